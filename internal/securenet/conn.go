package securenet

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxFramePlaintext caps the plaintext carried by one encrypted frame. Larger
// writes are split transparently.
const maxFramePlaintext = 16 * 1024

var ErrFrameTooLarge = errors.New("securenet: frame exceeds maximum size")

// Conn is an established authenticated connection. It satisfies net.Conn so
// net/http can run over it unchanged.
type Conn struct {
	raw net.Conn

	peerKey [KeySize]byte

	sendMu    sync.Mutex
	sendAEAD  cipherState
	recvMu    sync.Mutex
	recvAEAD  cipherState
	recvExtra []byte // plaintext left over from the last frame
}

type cipherState struct {
	aead    cipher.AEAD
	counter uint64
}

func newConn(raw net.Conn, res *handshakeResult) (*Conn, error) {
	sendAEAD, err := chacha20poly1305.New(res.sendKey[:])
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(res.recvKey[:])
	if err != nil {
		return nil, err
	}

	return &Conn{
		raw:      raw,
		peerKey:  res.remoteStatic,
		sendAEAD: cipherState{aead: sendAEAD},
		recvAEAD: cipherState{aead: recvAEAD},
	}, nil
}

// PeerKey returns the remote party's authenticated static public key.
func (c *Conn) PeerKey() [KeySize]byte { return c.peerKey }

func (s *cipherState) nonce() []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], s.counter)
	s.counter++
	return n[:]
}

func (c *Conn) Write(p []byte) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePlaintext {
			chunk = chunk[:maxFramePlaintext]
		}

		ct := c.sendAEAD.aead.Seal(nil, c.sendAEAD.nonce(), chunk, nil)

		frame := make([]byte, 2+len(ct))
		binary.BigEndian.PutUint16(frame, uint16(len(ct)))
		copy(frame[2:], ct)

		if _, err := c.raw.Write(frame); err != nil {
			return written, err
		}

		written += len(chunk)
		p = p[len(chunk):]
	}

	return written, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if len(c.recvExtra) > 0 {
		n := copy(p, c.recvExtra)
		c.recvExtra = c.recvExtra[n:]
		return n, nil
	}

	var hdr [2]byte
	if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
		return 0, err
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size > maxFramePlaintext+chacha20poly1305.Overhead {
		return 0, ErrFrameTooLarge
	}

	ct := make([]byte, size)
	if _, err := io.ReadFull(c.raw, ct); err != nil {
		return 0, err
	}

	pt, err := c.recvAEAD.aead.Open(ct[:0], c.recvAEAD.nonce(), ct, nil)
	if err != nil {
		return 0, err
	}

	n := copy(p, pt)
	if n < len(pt) {
		c.recvExtra = pt[n:]
	}

	return n, nil
}

func (c *Conn) Close() error                  { return c.raw.Close() }
func (c *Conn) LocalAddr() net.Addr           { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr          { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
