package securenet

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// handshakeTimeout bounds how long an accepted connection may take to
// authenticate before it is dropped.
const handshakeTimeout = 10 * time.Second

// Listener accepts authenticated connections. The handshake runs lazily on
// the connection's first I/O, so a stalled client never blocks the accept
// loop.
type Listener struct {
	ln     net.Listener
	static keyPair
	log    *slog.Logger
}

func Listen(addr string, publicKey, secretKey [KeySize]byte, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		ln:     ln,
		static: keyPair{pub: publicKey, sec: secretKey},
		log:    log.With("src", "securenet"),
	}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &serverConn{raw: raw, static: l.static, log: l.log}, nil
}

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// PeerKeyOf reports the authenticated remote static key of a connection
// dispensed by Listener, once its handshake has completed. Requests routed
// through net/http always arrive after the handshake (the request bytes
// travel through it), so handlers can rely on ok being true for peer conns.
func PeerKeyOf(c net.Conn) (key [KeySize]byte, ok bool) {
	sc, isServer := c.(*serverConn)
	if !isServer {
		return key, false
	}
	return sc.peerKey()
}

type serverConn struct {
	raw    net.Conn
	static keyPair
	log    *slog.Logger

	once  sync.Once
	hsErr error

	mu sync.Mutex
	sc *Conn
}

func (c *serverConn) handshake() error {
	c.once.Do(func() {
		_ = c.raw.SetDeadline(time.Now().Add(handshakeTimeout))

		res, err := responderHandshake(c.raw, c.static)
		if err != nil {
			c.hsErr = err
			c.log.Debug("handshake rejected",
				"remote", c.raw.RemoteAddr().String(),
				"error", err.Error(),
			)
			return
		}
		_ = c.raw.SetDeadline(time.Time{})

		sc, err := newConn(c.raw, res)
		if err != nil {
			c.hsErr = err
			return
		}

		c.mu.Lock()
		c.sc = sc
		c.mu.Unlock()
	})
	return c.hsErr
}

func (c *serverConn) peerKey() (key [KeySize]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sc == nil {
		return key, false
	}
	return c.sc.PeerKey(), true
}

func (c *serverConn) Read(p []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.sc.Read(p)
}

func (c *serverConn) Write(p []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.sc.Write(p)
}

func (c *serverConn) Close() error                       { return c.raw.Close() }
func (c *serverConn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *serverConn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *serverConn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *serverConn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *serverConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
