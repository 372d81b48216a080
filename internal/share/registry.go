// Package share owns the sender side of a map transfer: outgoing offers,
// their state machine, TTL eviction, and the peer-facing byte stream.
package share

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/smpd/internal/eventbus"
	"github.com/prxssh/smpd/internal/mapstore"
	"github.com/prxssh/smpd/internal/smperr"
	"github.com/prxssh/smpd/pkg/syncmap"
	"github.com/prxssh/smpd/pkg/ttlheap"
	"github.com/prxssh/smpd/pkg/zbase32"
)

const (
	// TTL evicts entries this long after creation regardless of state.
	TTL = 15 * time.Minute

	// dropReconcileWindow is how long, after a transport drop mid-stream,
	// the sender waits for the receiver's status poll before concluding
	// the transfer errored rather than was aborted.
	dropReconcileWindow = 2 * time.Second

	// PackageContentType is the media type of the streamed package bytes.
	PackageContentType = "application/vnd.smp+zip"

	copyChunkSize = 256 * 1024
)

// Share is one outgoing offer. State transitions go through the bus so every
// SSE subscriber observes them in publish order.
type Share struct {
	id          string
	receiverKey [32]byte
	slot        mapstore.Slot
	createdAt   time.Time

	mu     sync.Mutex
	state  State
	bus    *eventbus.Bus[State]
	cancel context.CancelFunc // set while a download stream is being served
	pollCh chan struct{}      // armed after a transport drop; a status poll resolves it
}

// Registry is the set of live shares plus the sweeper that evicts them.
type Registry struct {
	log     *slog.Logger
	store   *mapstore.Store
	peerURL func(shareID string) []string

	shares  *syncmap.Map[string, *Share]
	sweeper *ttlheap.Sweeper[string]

	closeOnce sync.Once
}

// NewRegistry builds a registry. peerURL renders the reachable peer URLs for
// a share id; it is supplied by the server, which knows the bound remote
// port.
func NewRegistry(store *mapstore.Store, peerURL func(shareID string) []string, log *slog.Logger) *Registry {
	r := &Registry{
		log:     log.With("src", "share"),
		store:   store,
		peerURL: peerURL,
		shares:  syncmap.New[string, *Share](),
	}
	r.sweeper = ttlheap.NewSweeper(r.evict)
	return r
}

// Close stops the sweeper and tears down every live share's subscribers.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.sweeper.Close()
		for _, sh := range r.shares.Values() {
			sh.bus.Close()
		}
	})
}

// Create registers a new pending share of slotID's current package for the
// receiver identified by receiverDeviceID.
func (r *Registry) Create(slotID, receiverDeviceID string) (State, error) {
	slot, ok := mapstore.ParseSlot(slotID)
	if !ok {
		return State{}, smperr.New(smperr.CodeMapNotFound, "unknown map slot")
	}

	keyBytes, err := zbase32.Decode(receiverDeviceID)
	if err != nil || len(keyBytes) != 32 {
		return State{}, smperr.New(smperr.CodeInvalidRequest, "receiverDeviceId is not a valid device id")
	}

	info, err := r.store.Info(slot)
	if err != nil {
		if errors.Is(err, mapstore.ErrSlotEmpty) {
			return State{}, smperr.New(smperr.CodeMapNotFound, "map slot is empty")
		}
		return State{}, err
	}

	sh := &Share{
		id:        uuid.NewString(),
		slot:      slot,
		createdAt: time.Now(),
	}
	copy(sh.receiverKey[:], keyBytes)

	sh.state = State{
		ShareID:          sh.id,
		MapInfo:          info,
		ReceiverDeviceID: receiverDeviceID,
		PeerURLs:         r.peerURL(sh.id),
		CreatedAtMs:      sh.createdAt.UnixMilli(),
		Status:           StatusPending,
	}
	sh.bus = eventbus.New(sh.state)

	r.shares.Put(sh.id, sh)
	r.sweeper.Add(sh.id, sh.createdAt.Add(TTL))

	r.log.Info("share created",
		"share_id", sh.id,
		"slot", slotID,
		"receiver", receiverDeviceID,
		"size", info.EstimatedSizeBytes,
	)
	return sh.state, nil
}

// List returns every live share's state.
func (r *Registry) List() []State {
	shares := r.shares.Values()
	out := make([]State, 0, len(shares))
	for _, sh := range shares {
		out = append(out, sh.bus.State())
	}
	return out
}

func (r *Registry) get(id string) (*Share, error) {
	sh, ok := r.shares.Get(id)
	if !ok {
		return nil, smperr.New(smperr.CodeMapShareNotFound, "no such map share")
	}
	return sh, nil
}

// Get returns a share's current state.
func (r *Registry) Get(id string) (State, error) {
	sh, err := r.get(id)
	if err != nil {
		return State{}, err
	}
	return sh.bus.State(), nil
}

// Bus exposes a share's event bus for SSE attachment.
func (r *Registry) Bus(id string) (*eventbus.Bus[State], error) {
	sh, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return sh.bus, nil
}

// Authorize checks, in constant time, that remoteKey is the share's bound
// receiver key.
func (r *Registry) Authorize(id string, remoteKey [32]byte) error {
	sh, err := r.get(id)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(sh.receiverKey[:], remoteKey[:]) != 1 {
		return smperr.New(smperr.CodeForbidden, "")
	}
	return nil
}

// NotePeerPoll records that the share's receiver polled status. If a
// transport drop is being reconciled this resolves it as a receiver abort.
func (r *Registry) NotePeerPoll(id string) {
	sh, ok := r.shares.Get(id)
	if !ok {
		return
	}

	sh.mu.Lock()
	ch := sh.pollCh
	sh.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Cancel moves the share to canceled from pending or downloading, stopping
// an in-flight stream.
func (r *Registry) Cancel(id string) error {
	sh, err := r.get(id)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	switch sh.state.Status {
	case StatusPending, StatusDownloading:
	default:
		return smperr.New(smperr.CodeCancelShareNotCancelable, "share is not cancelable")
	}

	sh.state.Status = StatusCanceled
	sh.bus.Publish(sh.state)
	if sh.cancel != nil {
		sh.cancel()
	}

	r.log.Info("share canceled", "share_id", id)
	return nil
}

// Decline is the receiver's terminal rejection; valid only while pending.
func (r *Registry) Decline(id, reason string) error {
	sh, err := r.get(id)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.state.Status != StatusPending {
		return smperr.New(smperr.CodeDeclineShareNotPending, "share is not pending")
	}

	sh.state.Status = StatusDeclined
	sh.state.Reason = reason
	sh.bus.Publish(sh.state)

	r.log.Info("share declined", "share_id", id, "reason", reason)
	return nil
}

// ServeDownload streams the shared package to the authorized receiver. The
// pending→downloading transition happens atomically under the share lock
// before any byte flows, which is what enforces at most one transfer per
// share.
func (r *Registry) ServeDownload(w http.ResponseWriter, req *http.Request, id string) error {
	sh, err := r.get(id)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	if sh.state.Status != StatusPending {
		code := smperr.CodeDownloadShareNotPending
		switch sh.state.Status {
		case StatusCanceled:
			code = smperr.CodeDownloadShareCanceled
		case StatusDeclined:
			code = smperr.CodeDownloadShareDeclined
		}
		sh.mu.Unlock()
		return smperr.New(code, "share is not pending")
	}

	stream, size, err := r.store.OpenRead(sh.slot)
	if err != nil {
		sh.mu.Unlock()
		return smperr.New(smperr.CodeMapNotFound, "map slot is empty")
	}

	ctx, cancel := context.WithCancel(req.Context())
	sh.cancel = cancel
	sh.state.Status = StatusDownloading
	sh.state.BytesSent = 0
	sh.bus.Publish(sh.state)
	sh.mu.Unlock()

	defer stream.Close()
	defer cancel()

	r.log.Info("share download started", "share_id", id, "size", size)

	w.Header().Set("Content-Type", PackageContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	sent, copyErr := r.stream(ctx, w, stream, sh)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.state.Status != StatusDownloading {
		// Canceled mid-stream; terminal state already published.
		return nil
	}

	if copyErr == nil && sent == size {
		sh.state.Status = StatusCompleted
		sh.state.BytesSent = sent
		sh.bus.Publish(sh.state)
		r.log.Info("share completed", "share_id", id, "bytes", sent)
		return nil
	}

	// The stream broke under us. Whether the receiver aborted or the
	// network died is decided by whether the receiver shows up with a
	// status poll inside the reconciliation window.
	sh.pollCh = make(chan struct{}, 1)
	pollCh := sh.pollCh
	sh.mu.Unlock()

	aborted := waitForPoll(pollCh, dropReconcileWindow)

	sh.mu.Lock()
	sh.pollCh = nil
	if sh.state.Status != StatusDownloading {
		return nil
	}
	if aborted {
		sh.state.Status = StatusAborted
		r.log.Info("share aborted by receiver", "share_id", id, "bytes", sent)
	} else {
		sh.state.Status = StatusError
		sh.state.Error = &ErrInfo{
			Code:    string(smperr.CodeDownloadError),
			Message: "transfer stream interrupted",
		}
		r.log.Warn("share transfer failed", "share_id", id, "bytes", sent)
	}
	sh.bus.Publish(sh.state)
	return nil
}

func waitForPoll(ch chan struct{}, window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// stream copies package bytes to the response, publishing monotonically
// non-decreasing bytesSent along the way.
func (r *Registry) stream(ctx context.Context, w http.ResponseWriter, src io.Reader, sh *Share) (int64, error) {
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, copyChunkSize)
	var sent int64

	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return sent, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent += int64(n)

			sh.mu.Lock()
			if sh.state.Status == StatusDownloading {
				sh.state.BytesSent = sent
				sh.bus.Publish(sh.state)
			}
			sh.mu.Unlock()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return sent, nil
			}
			return sent, rerr
		}
	}
}

// evict drops a share whose TTL expired; subscribers see its last state and
// then a clean close.
func (r *Registry) evict(id string) {
	sh, ok := r.shares.Get(id)
	if !ok {
		return
	}
	r.shares.Delete(id)
	sh.bus.Close()
	r.log.Debug("share evicted", "share_id", id)
}
