// Package download owns the receiver side of a map transfer: pulling the
// package stream from a sender peer into the custom slot, the download state
// machine, TTL eviction, and decline fan-out.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/smpd/internal/eventbus"
	"github.com/prxssh/smpd/internal/mapstore"
	"github.com/prxssh/smpd/internal/securenet"
	"github.com/prxssh/smpd/internal/smp"
	"github.com/prxssh/smpd/internal/smperr"
	"github.com/prxssh/smpd/pkg/retry"
	"github.com/prxssh/smpd/pkg/syncmap"
	"github.com/prxssh/smpd/pkg/ttlheap"
	"github.com/prxssh/smpd/pkg/zbase32"
)

const (
	// TTL evicts entries this long after creation regardless of state.
	TTL = 15 * time.Minute

	// dropReconcileWindow is how long, after the pull stream breaks, the
	// receiver spends asking the sender what actually happened before
	// concluding the transfer errored.
	dropReconcileWindow = 2 * time.Second

	// declineWindow bounds the whole decline fan-out across peer URLs.
	declineWindow = 2 * time.Second

	copyChunkSize = 256 * 1024

	maxErrorBody = 4 * 1024
)

// Download is one incoming transfer. State transitions go through the bus so
// every SSE subscriber observes them in publish order.
type Download struct {
	id        string
	shareID   string
	senderKey [securenet.KeySize]byte
	peerURLs  []string

	mu     sync.Mutex
	state  State
	bus    *eventbus.Bus[State]
	cancel context.CancelFunc
}

// Offer is the sender's share offer as relayed by the local client: the
// fields it copied out of the sender's mapShares response.
type Offer struct {
	ShareID            string   `json:"shareId"`
	SenderDeviceID     string   `json:"senderDeviceId"`
	PeerURLs           []string `json:"peerUrls"`
	EstimatedSizeBytes int64    `json:"estimatedSizeBytes"`
}

// Registry is the set of live downloads plus the sweeper that evicts them.
type Registry struct {
	log    *slog.Logger
	store  *mapstore.Store
	dialer *securenet.Dialer

	downloads *syncmap.Map[string, *Download]
	sweeper   *ttlheap.Sweeper[string]

	closeOnce sync.Once
}

func NewRegistry(store *mapstore.Store, dialer *securenet.Dialer, log *slog.Logger) *Registry {
	r := &Registry{
		log:       log.With("src", "download"),
		store:     store,
		dialer:    dialer,
		downloads: syncmap.New[string, *Download](),
	}
	r.sweeper = ttlheap.NewSweeper(r.evict)
	return r
}

// Close stops the sweeper, aborts in-flight pulls and tears down every live
// download's subscribers.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.sweeper.Close()
		for _, dl := range r.downloads.Values() {
			dl.mu.Lock()
			if dl.cancel != nil {
				dl.cancel()
			}
			dl.mu.Unlock()
			dl.bus.Close()
		}
	})
}

func parseSenderKey(senderDeviceID string) ([securenet.KeySize]byte, error) {
	var key [securenet.KeySize]byte

	raw, err := zbase32.Decode(senderDeviceID)
	if err != nil || len(raw) != securenet.KeySize {
		return key, smperr.New(smperr.CodeInvalidSenderDeviceID, "senderDeviceId is not a valid device id")
	}
	copy(key[:], raw)
	return key, nil
}

// Create accepts an offer and immediately starts pulling the package into the
// custom slot. The returned state is the initial downloading snapshot; all
// progress after that flows through the bus.
func (r *Registry) Create(offer Offer) (State, error) {
	if offer.ShareID == "" || len(offer.PeerURLs) == 0 {
		return State{}, smperr.New(smperr.CodeInvalidRequest, "shareId and peerUrls are required")
	}

	senderKey, err := parseSenderKey(offer.SenderDeviceID)
	if err != nil {
		return State{}, err
	}

	now := time.Now()
	dl := &Download{
		id:        uuid.NewString(),
		shareID:   offer.ShareID,
		senderKey: senderKey,
		peerURLs:  offer.PeerURLs,
	}
	dl.state = State{
		DownloadID:         dl.id,
		ShareID:            offer.ShareID,
		SenderDeviceID:     offer.SenderDeviceID,
		PeerURLs:           offer.PeerURLs,
		EstimatedSizeBytes: offer.EstimatedSizeBytes,
		CreatedAtMs:        now.UnixMilli(),
		Status:             StatusDownloading,
	}
	dl.bus = eventbus.New(dl.state)

	ctx, cancel := context.WithCancel(context.Background())
	dl.cancel = cancel

	r.downloads.Put(dl.id, dl)
	r.sweeper.Add(dl.id, now.Add(TTL))

	r.log.Info("download started",
		"download_id", dl.id,
		"share_id", offer.ShareID,
		"sender", offer.SenderDeviceID,
		"size", offer.EstimatedSizeBytes,
	)

	go r.run(ctx, dl)
	return dl.state, nil
}

// List returns every live download's state.
func (r *Registry) List() []State {
	downloads := r.downloads.Values()
	out := make([]State, 0, len(downloads))
	for _, dl := range downloads {
		out = append(out, dl.bus.State())
	}
	return out
}

func (r *Registry) get(id string) (*Download, error) {
	dl, ok := r.downloads.Get(id)
	if !ok {
		return nil, smperr.New(smperr.CodeDownloadNotFound, "no such download")
	}
	return dl, nil
}

// Get returns a download's current state.
func (r *Registry) Get(id string) (State, error) {
	dl, err := r.get(id)
	if err != nil {
		return State{}, err
	}
	return dl.bus.State(), nil
}

// Bus exposes a download's event bus for SSE attachment.
func (r *Registry) Bus(id string) (*eventbus.Bus[State], error) {
	dl, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return dl.bus, nil
}

// Abort stops an in-flight download. Valid only while downloading; the pull
// goroutine notices the cancellation, discards the partial file and notifies
// the sender.
func (r *Registry) Abort(id string) error {
	dl, err := r.get(id)
	if err != nil {
		return err
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.state.Status != StatusDownloading {
		return smperr.New(smperr.CodeAbortNotDownloading, "download is not in progress")
	}

	dl.state.Status = StatusAborted
	dl.bus.Publish(dl.state)
	if dl.cancel != nil {
		dl.cancel()
	}

	r.log.Info("download aborted", "download_id", id)
	return nil
}

func (dl *Download) status() Status {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.state.Status
}

// fail moves the download to a terminal error state unless it already
// reached a terminal one.
func (r *Registry) fail(dl *Download, code smperr.Code, message string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.state.Status != StatusDownloading {
		return
	}
	dl.state.Status = StatusError
	dl.state.Error = &ErrInfo{Code: string(code), Message: message}
	dl.bus.Publish(dl.state)

	r.log.Warn("download failed", "download_id", dl.id, "code", code, "msg", message)
}

func (r *Registry) run(ctx context.Context, dl *Download) {
	defer func() {
		// A locally aborted pull still owes the sender a status poll so
		// it can resolve its broken stream to "aborted".
		if dl.status() == StatusAborted {
			r.pollSender(dl)
		}
	}()

	resp, err := r.connect(ctx, dl)
	if err != nil {
		r.fail(dl, smperr.CodeDownloadError, "could not connect to any sender peer URL")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := smperr.Parse(resp.StatusCode, body)
		r.fail(dl, perr.Code, perr.Message)
		return
	}

	sink, err := r.store.OpenWrite(mapstore.SlotCustom)
	if err != nil {
		r.fail(dl, smperr.CodeDownloadError, "could not open map slot for writing")
		return
	}

	received, copyErr := r.pipe(ctx, dl, sink, resp.Body)

	if copyErr == nil {
		if err := sink.Close(); err != nil {
			code := smperr.CodeDownloadError
			if errors.Is(err, smp.ErrInvalidPackage) {
				code = smperr.CodeInvalidMapFile
			}
			r.fail(dl, code, "downloaded package failed validation")
			return
		}

		dl.mu.Lock()
		if dl.state.Status == StatusDownloading {
			dl.state.Status = StatusCompleted
			dl.state.BytesDownloaded = received
			dl.bus.Publish(dl.state)
		}
		dl.mu.Unlock()

		r.log.Info("download completed", "download_id", dl.id, "bytes", received)
		return
	}

	sink.Abort()

	if dl.status() != StatusDownloading {
		// Local abort; the deferred poll tells the sender.
		return
	}

	// The stream broke under us without a local abort. Ask the sender what
	// it thinks happened; its answer may turn this into canceled or
	// declined instead of a plain error.
	r.reconcile(dl)
}

// connect tries the offer's peer URLs in order until one yields an HTTP
// response. Any response, success or error status, counts as connected.
func (r *Registry) connect(ctx context.Context, dl *Download) (*http.Response, error) {
	var lastErr error

	for _, peerURL := range dl.peerURLs {
		resp, err := r.dialer.Get(ctx, joinURL(peerURL, "download"), dl.senderKey)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Debug("peer URL unreachable", "download_id", dl.id, "url", peerURL, "error", err)
			lastErr = err
			continue
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = errors.New("download: no peer URLs")
	}
	return nil, lastErr
}

// pipe copies package bytes from the sender into the sink, publishing
// monotonically non-decreasing bytesDownloaded along the way.
func (r *Registry) pipe(ctx context.Context, dl *Download, sink *mapstore.Sink, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var received int64

	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return received, werr
			}
			received += int64(n)

			dl.mu.Lock()
			if dl.state.Status == StatusDownloading {
				dl.state.BytesDownloaded = received
				dl.bus.Publish(dl.state)
			}
			dl.mu.Unlock()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return received, nil
			}
			return received, rerr
		}
	}
}

// shareStatus is the slice of the sender's share state the receiver cares
// about when reconciling a broken stream.
type shareStatus struct {
	Status string `json:"status"`
}

// reconcile polls the sender's share status within the reconciliation window
// and adopts canceled/declined verdicts; everything else is a transfer error.
func (r *Registry) reconcile(dl *Download) {
	ctx, cancel := context.WithTimeout(context.Background(), dropReconcileWindow)
	defer cancel()

	var verdict string

	err := retry.Do(ctx, func(ctx context.Context) error {
		for _, peerURL := range dl.peerURLs {
			st, err := r.fetchShareStatus(ctx, peerURL, dl.senderKey)
			if err != nil {
				continue
			}
			verdict = st.Status
			return nil
		}
		return errors.New("download: no peer answered status poll")
	}, retry.WithLinearBackoff(4, 250*time.Millisecond)...)

	if err != nil {
		r.fail(dl, smperr.CodeDownloadError, "transfer stream interrupted")
		return
	}

	switch verdict {
	case "canceled":
		dl.mu.Lock()
		if dl.state.Status == StatusDownloading {
			dl.state.Status = StatusCanceled
			dl.bus.Publish(dl.state)
		}
		dl.mu.Unlock()
		r.log.Info("download canceled by sender", "download_id", dl.id)

	case "declined":
		dl.mu.Lock()
		if dl.state.Status == StatusDownloading {
			dl.state.Status = StatusDeclined
			dl.bus.Publish(dl.state)
		}
		dl.mu.Unlock()

	default:
		r.fail(dl, smperr.CodeDownloadError, "transfer stream interrupted")
	}
}

func (r *Registry) fetchShareStatus(ctx context.Context, peerURL string, key [securenet.KeySize]byte) (*shareStatus, error) {
	resp, err := r.dialer.Get(ctx, peerURL, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("download: status poll rejected")
	}

	var st shareStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// pollSender performs a best-effort share status poll after a local abort,
// which is the signal the sender uses to mark its side aborted.
func (r *Registry) pollSender(dl *Download) {
	ctx, cancel := context.WithTimeout(context.Background(), dropReconcileWindow)
	defer cancel()

	for _, peerURL := range dl.peerURLs {
		if _, err := r.fetchShareStatus(ctx, peerURL, dl.senderKey); err == nil {
			return
		}
	}
}

// Decline rejects an offer without creating a download: it fans the decline
// out to the sender's peer URLs. A sender verdict, even a rejection, is
// passed through verbatim; failing to reach any peer at all is
// DECLINE_CANNOT_CONNECT.
func (r *Registry) Decline(offer Offer, reason string) error {
	if offer.ShareID == "" || len(offer.PeerURLs) == 0 {
		return smperr.New(smperr.CodeInvalidRequest, "shareId and peerUrls are required")
	}

	senderKey, err := parseSenderKey(offer.SenderDeviceID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), declineWindow)
	defer cancel()

	for _, peerURL := range offer.PeerURLs {
		resp, err := r.dialer.Post(ctx, joinURL(peerURL, "decline"), senderKey, bytes.NewReader(body))
		if err != nil {
			r.log.Debug("decline: peer URL unreachable", "share_id", offer.ShareID, "url", peerURL, "error", err)
			continue
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			r.log.Info("share declined", "share_id", offer.ShareID, "reason", reason)
			return nil
		}
		return smperr.Parse(resp.StatusCode, respBody)
	}

	return smperr.New(smperr.CodeDeclineCannotConnect, "could not reach the map share sender")
}

// evict drops a download whose TTL expired; subscribers see its last state
// and then a clean close. An in-flight pull is cut off.
func (r *Registry) evict(id string) {
	dl, ok := r.downloads.Get(id)
	if !ok {
		return
	}
	r.downloads.Delete(id)

	dl.mu.Lock()
	if dl.cancel != nil {
		dl.cancel()
	}
	dl.mu.Unlock()

	dl.bus.Close()
	r.log.Debug("download evicted", "download_id", id)
}

func joinURL(base, elem string) string {
	return strings.TrimRight(base, "/") + "/" + elem
}
