package securenet

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prxssh/smpd/pkg/zbase32"
)

// Dialer issues HTTP requests over the authenticated transport. Connections
// are pooled per (host, port, remote key); a server presenting any other
// static key than the one demanded is refused during the handshake.
type Dialer struct {
	static keyPair
	log    *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewDialer(publicKey, secretKey [KeySize]byte, log *slog.Logger) *Dialer {
	return &Dialer{
		static:  keyPair{pub: publicKey, sec: secretKey},
		log:     log.With("src", "securenet"),
		clients: make(map[string]*http.Client),
	}
}

// Do performs req against the peer expected to hold remoteKey. The request's
// context governs dialing, the handshake and the response body.
func (d *Dialer) Do(req *http.Request, remoteKey [KeySize]byte) (*http.Response, error) {
	return d.client(req.URL.Host, remoteKey).Do(req)
}

// Get is shorthand for a context-bound GET via Do.
func (d *Dialer) Get(ctx context.Context, url string, remoteKey [KeySize]byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return d.Do(req, remoteKey)
}

// Post sends a JSON body via Do.
func (d *Dialer) Post(ctx context.Context, url string, remoteKey [KeySize]byte, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return d.Do(req, remoteKey)
}

func (d *Dialer) client(host string, remoteKey [KeySize]byte) *http.Client {
	key := host + "|" + zbase32.Encode(remoteKey[:])

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[key]; ok {
		return c
	}

	c := &http.Client{
		Transport: &http.Transport{
			DialContext:         d.dialFunc(remoteKey),
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	d.clients[key] = c
	return c
}

func (d *Dialer) dialFunc(remoteKey [KeySize]byte) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var nd net.Dialer
		raw, err := nd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = raw.SetDeadline(deadline)
		} else {
			_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))
		}

		res, err := initiatorHandshake(raw, d.static)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		if subtle.ConstantTimeCompare(res.remoteStatic[:], remoteKey[:]) != 1 {
			_ = raw.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, ErrPeerKeyMismatch)
		}

		_ = raw.SetDeadline(time.Time{})
		return newConn(raw, res)
	}
}

// Close drops all pooled idle connections.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.clients {
		c.CloseIdleConnections()
	}
	d.clients = make(map[string]*http.Client)
}
