// Package mapstore owns the named package slots and all filesystem handles
// behind them: lazy reader memoization, zero-copy read streams for peer
// transfer, and write-through replacement that is atomic on POSIX rename.
package mapstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prxssh/smpd/internal/smp"
)

// Slot names a package file location.
type Slot string

const (
	SlotCustom   Slot = "custom"
	SlotFallback Slot = "fallback"
)

var (
	ErrUnknownSlot  = errors.New("mapstore: unknown slot")
	ErrSlotEmpty    = errors.New("mapstore: slot has no package")
	ErrReadOnlySlot = errors.New("mapstore: slot is read-only")
)

// ParseSlot recognizes the closed slot set. The virtual `default` style route
// is not a slot and is handled above this layer.
func ParseSlot(s string) (Slot, bool) {
	switch Slot(s) {
	case SlotCustom, SlotFallback:
		return Slot(s), true
	}
	return "", false
}

// Mutable reports whether the slot's file may be replaced or deleted.
func (s Slot) Mutable() bool { return s == SlotCustom }

// MapInfo is the wire projection of a slot's package.
type MapInfo struct {
	SlotID             string     `json:"slotId"`
	Name               string     `json:"name"`
	EstimatedSizeBytes int64      `json:"estimatedSizeBytes"`
	Bounds             [4]float64 `json:"bounds"`
	MinZoom            int        `json:"minzoom"`
	MaxZoom            int        `json:"maxzoom"`
	CreatedAtMs        int64      `json:"createdAtMs"`
}

type slotState struct {
	path string

	// writeMu serializes OpenWrite and Delete against each other. Readers
	// never take it; in-flight reads keep working against the pre-swap
	// reader and file handle.
	writeMu sync.Mutex

	readerMu sync.Mutex
	reader   *smp.Reader
}

// Store maps slots to files and memoizes one open reader per slot.
type Store struct {
	log    *slog.Logger
	slots  map[Slot]*slotState
	tmpSeq atomic.Uint64
}

func New(customPath, fallbackPath string, log *slog.Logger) *Store {
	return &Store{
		log: log.With("src", "mapstore"),
		slots: map[Slot]*slotState{
			SlotCustom:   {path: customPath},
			SlotFallback: {path: fallbackPath},
		},
	}
}

func (s *Store) slot(id Slot) (*slotState, error) {
	st, ok := s.slots[id]
	if !ok {
		return nil, ErrUnknownSlot
	}
	return st, nil
}

// Path returns the filesystem path backing a slot.
func (s *Store) Path(id Slot) (string, error) {
	st, err := s.slot(id)
	if err != nil {
		return "", err
	}
	return st.path, nil
}

// AcquireReader returns the slot's memoized reader with a reference taken;
// the caller must call release when done with it.
func (s *Store) AcquireReader(id Slot) (r *smp.Reader, release func(), err error) {
	st, err := s.slot(id)
	if err != nil {
		return nil, nil, err
	}

	st.readerMu.Lock()
	defer st.readerMu.Unlock()

	if st.reader == nil {
		if _, serr := os.Stat(st.path); serr != nil {
			if os.IsNotExist(serr) {
				return nil, nil, ErrSlotEmpty
			}
			return nil, nil, serr
		}
		rd, oerr := smp.Open(st.path, s.log)
		if oerr != nil {
			return nil, nil, oerr
		}
		st.reader = rd
	}

	if aerr := st.reader.Acquire(); aerr != nil {
		// The memoized reader lost a race with its own retirement; open
		// a fresh one.
		rd, oerr := smp.Open(st.path, s.log)
		if oerr != nil {
			return nil, nil, oerr
		}
		st.reader = rd
		if aerr = st.reader.Acquire(); aerr != nil {
			return nil, nil, aerr
		}
	}

	rd := st.reader
	return rd, rd.Release, nil
}

// Info computes the MapInfo projection for a slot.
func (s *Store) Info(id Slot) (MapInfo, error) {
	st, err := s.slot(id)
	if err != nil {
		return MapInfo{}, err
	}

	fi, err := os.Stat(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return MapInfo{}, ErrSlotEmpty
		}
		return MapInfo{}, err
	}

	rd, release, err := s.AcquireReader(id)
	if err != nil {
		return MapInfo{}, err
	}
	defer release()

	meta := rd.Metadata()
	return MapInfo{
		SlotID:             string(id),
		Name:               meta.Name,
		EstimatedSizeBytes: fi.Size(),
		Bounds:             meta.Bounds,
		MinZoom:            meta.MinZoom,
		MaxZoom:            meta.MaxZoom,
		CreatedAtMs:        fi.ModTime().UnixMilli(),
	}, nil
}

// OpenRead opens a raw byte stream over the slot's current file. The stream
// keeps reading the pre-swap bytes if the slot is replaced mid-flight.
func (s *Store) OpenRead(id Slot) (io.ReadCloser, int64, error) {
	st, err := s.slot(id)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrSlotEmpty
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}

	return f, fi.Size(), nil
}

// Delete removes a mutable slot's file and retires its reader. It waits on
// the slot write lock, so it serializes behind a concluding swap.
func (s *Store) Delete(id Slot) error {
	st, err := s.slot(id)
	if err != nil {
		return err
	}
	if !id.Mutable() {
		return ErrReadOnlySlot
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	if err := os.Remove(st.path); err != nil {
		if os.IsNotExist(err) {
			return ErrSlotEmpty
		}
		return err
	}

	st.readerMu.Lock()
	old := st.reader
	st.reader = nil
	st.readerMu.Unlock()
	if old != nil {
		old.Release()
	}

	s.log.Info("slot deleted", "slot", id)
	return nil
}

// Sink is an in-progress slot replacement. Exactly one of Close or Abort
// must be called; until then the sink holds the slot's write lock.
type Sink struct {
	store *Store
	st    *slotState
	id    Slot
	f     *os.File
	tmp   string
	done  bool
}

// OpenWrite starts an atomic replacement of a mutable slot. Bytes land in a
// `<path>.download-<n>` temp file; the live file is untouched until Close.
func (s *Store) OpenWrite(id Slot) (*Sink, error) {
	st, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	if !id.Mutable() {
		return nil, ErrReadOnlySlot
	}

	st.writeMu.Lock()

	tmp := fmt.Sprintf("%s.download-%d", st.path, s.tmpSeq.Add(1))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		st.writeMu.Unlock()
		return nil, err
	}

	s.log.Debug("write started", "slot", id, "tmp", tmp)
	return &Sink{store: s, st: st, id: id, f: f, tmp: tmp}, nil
}

func (k *Sink) Write(p []byte) (int, error) {
	return k.f.Write(p)
}

// Abort discards the temp file and leaves the slot as it was. Safe to call
// after a failed Close or a second time; later calls are no-ops.
func (k *Sink) Abort() {
	if k.done {
		return
	}
	k.done = true

	_ = k.f.Close()
	if err := os.Remove(k.tmp); err != nil && !os.IsNotExist(err) {
		k.store.log.Warn("remove temp failed", "tmp", k.tmp, "error", err.Error())
	}
	k.st.writeMu.Unlock()
}

// Close validates the written package, renames it over the slot file, and
// swaps in a fresh reader. On any failure the temp file is removed and the
// pre-existing package stays visible.
func (k *Sink) Close() error {
	if k.done {
		return nil
	}
	k.done = true
	defer k.st.writeMu.Unlock()

	discard := func() {
		if err := os.Remove(k.tmp); err != nil && !os.IsNotExist(err) {
			k.store.log.Warn("remove temp failed", "tmp", k.tmp, "error", err.Error())
		}
	}

	if err := k.f.Sync(); err != nil {
		_ = k.f.Close()
		discard()
		return err
	}
	if err := k.f.Close(); err != nil {
		discard()
		return err
	}

	newReader, err := smp.Open(k.tmp, k.store.log)
	if err != nil {
		discard()
		return err
	}

	// Rename first: the new reader's file handle survives the rename, and
	// the instant rename returns, future opens observe the new package.
	if err := os.Rename(k.tmp, k.st.path); err != nil {
		newReader.Release()
		discard()
		return err
	}

	k.st.readerMu.Lock()
	old := k.st.reader
	k.st.reader = newReader
	k.st.readerMu.Unlock()
	if old != nil {
		old.Release()
	}

	k.store.log.Info("slot replaced", "slot", k.id)
	return nil
}
