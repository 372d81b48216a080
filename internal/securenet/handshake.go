// Package securenet is the authenticated peer transport: plain HTTP carried
// over TCP connections that first complete an XX-pattern handshake. The
// handshake yields both parties' long-term X25519 public keys and a pair of
// ChaCha20-Poly1305 session keys; there is no TLS and no certificate.
package securenet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the X25519 key length; device identities are exactly this long.
const KeySize = 32

const protocolLabel = "smpd/securenet v1 chacha20poly1305 blake2s"

var (
	ErrHandshakeFailed = errors.New("securenet: handshake failed")
	ErrPeerKeyMismatch = errors.New("securenet: remote static key mismatch")
	ErrMessageTooLarge = errors.New("securenet: handshake message too large")
	ErrHandshakeClosed = errors.New("securenet: connection closed during handshake")
)

// symmetricState is the running chaining key and transcript hash. Every
// public handshake element is mixed into h; every DH result ratchets ck.
type symmetricState struct {
	ck [KeySize]byte // chaining key
	h  [KeySize]byte // transcript hash
	k  [KeySize]byte // current message key, valid when hasKey
	n  uint64        // nonce counter for k

	hasKey bool
}

func newSymmetricState() *symmetricState {
	var s symmetricState
	s.ck = blake2s.Sum256([]byte(protocolLabel))
	s.h = blake2s.Sum256(s.ck[:])
	return &s
}

func (s *symmetricState) mixHash(data []byte) {
	hh, _ := blake2s.New256(nil)
	hh.Write(s.h[:])
	hh.Write(data)
	copy(s.h[:], hh.Sum(nil))
}

func (s *symmetricState) mixKey(dh []byte) {
	kdf := hkdf.New(newBlake2s, dh, s.ck[:], nil)
	if _, err := io.ReadFull(kdf, s.ck[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kdf, s.k[:]); err != nil {
		panic(err)
	}
	s.n = 0
	s.hasKey = true
}

func (s *symmetricState) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, s.nonce(), plaintext, s.h[:])
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.nonce(), ciphertext, s.h[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) nonce() []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], s.n)
	s.n++
	return n[:]
}

// split derives the two directional session keys. The initiator sends with
// the first key; the responder sends with the second.
func (s *symmetricState) split() (send, recv [KeySize]byte) {
	kdf := hkdf.New(newBlake2s, nil, s.ck[:], nil)
	if _, err := io.ReadFull(kdf, send[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kdf, recv[:]); err != nil {
		panic(err)
	}
	return send, recv
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

type keyPair struct {
	pub [KeySize]byte
	sec [KeySize]byte
}

func generateEphemeral() (keyPair, error) {
	var kp keyPair
	if _, err := rand.Read(kp.sec[:]); err != nil {
		return keyPair{}, err
	}
	pub, err := curve25519.X25519(kp.sec[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func dh(sec, pub [KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(sec[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return out, nil
}

// handshake message framing: 2-byte big-endian length prefix.
const maxHandshakeMsg = 1024

func writeMsg(w io.Writer, parts ...[]byte) error {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	if total > maxHandshakeMsg {
		return ErrMessageTooLarge
	}

	buf := make([]byte, 2, 2+total)
	binary.BigEndian.PutUint16(buf, uint16(total))
	for _, p := range parts {
		buf = append(buf, p...)
	}

	_, err := w.Write(buf)
	return err
}

func readMsg(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrHandshakeClosed
		}
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n > maxHandshakeMsg {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrHandshakeClosed
		}
		return nil, err
	}
	return buf, nil
}

// handshakeResult is what either role ends the exchange with.
type handshakeResult struct {
	remoteStatic [KeySize]byte
	sendKey      [KeySize]byte
	recvKey      [KeySize]byte
}

// initiatorHandshake runs the three-message exchange from the dialing side:
//
//	-> e
//	<- e, ee, s, es, tag
//	-> s, se, tag
func initiatorHandshake(rw io.ReadWriter, static keyPair) (*handshakeResult, error) {
	ss := newSymmetricState()

	eph, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	ss.mixHash(eph.pub[:])
	if err := writeMsg(rw, eph.pub[:]); err != nil {
		return nil, err
	}

	msg, err := readMsg(rw)
	if err != nil {
		return nil, err
	}
	// er(32) || enc(rs)(48) || enc(empty)(16)
	if len(msg) != KeySize+KeySize+16+16 {
		return nil, ErrHandshakeFailed
	}

	var remoteEph [KeySize]byte
	copy(remoteEph[:], msg[:KeySize])
	ss.mixHash(remoteEph[:])

	ee, err := dh(eph.sec, remoteEph)
	if err != nil {
		return nil, err
	}
	ss.mixKey(ee)

	rsPlain, err := ss.decrypt(msg[KeySize : KeySize+KeySize+16])
	if err != nil {
		return nil, err
	}
	var remoteStatic [KeySize]byte
	copy(remoteStatic[:], rsPlain)

	es, err := dh(eph.sec, remoteStatic)
	if err != nil {
		return nil, err
	}
	ss.mixKey(es)

	if _, err := ss.decrypt(msg[KeySize+KeySize+16:]); err != nil {
		return nil, err
	}

	encStatic, err := ss.encrypt(static.pub[:])
	if err != nil {
		return nil, err
	}

	se, err := dh(static.sec, remoteEph)
	if err != nil {
		return nil, err
	}
	ss.mixKey(se)

	tag, err := ss.encrypt(nil)
	if err != nil {
		return nil, err
	}
	if err := writeMsg(rw, encStatic, tag); err != nil {
		return nil, err
	}

	send, recv := ss.split()
	return &handshakeResult{remoteStatic: remoteStatic, sendKey: send, recvKey: recv}, nil
}

// responderHandshake is the accepting side of the same exchange.
func responderHandshake(rw io.ReadWriter, static keyPair) (*handshakeResult, error) {
	ss := newSymmetricState()

	msg, err := readMsg(rw)
	if err != nil {
		return nil, err
	}
	if len(msg) != KeySize {
		return nil, ErrHandshakeFailed
	}
	var remoteEph [KeySize]byte
	copy(remoteEph[:], msg)
	ss.mixHash(remoteEph[:])

	eph, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	ss.mixHash(eph.pub[:])

	ee, err := dh(eph.sec, remoteEph)
	if err != nil {
		return nil, err
	}
	ss.mixKey(ee)

	encStatic, err := ss.encrypt(static.pub[:])
	if err != nil {
		return nil, err
	}

	es, err := dh(static.sec, remoteEph)
	if err != nil {
		return nil, err
	}
	ss.mixKey(es)

	tag, err := ss.encrypt(nil)
	if err != nil {
		return nil, err
	}
	if err := writeMsg(rw, eph.pub[:], encStatic, tag); err != nil {
		return nil, err
	}

	msg, err = readMsg(rw)
	if err != nil {
		return nil, err
	}
	// enc(is)(48) || enc(empty)(16)
	if len(msg) != KeySize+16+16 {
		return nil, ErrHandshakeFailed
	}

	isPlain, err := ss.decrypt(msg[:KeySize+16])
	if err != nil {
		return nil, err
	}
	var remoteStatic [KeySize]byte
	copy(remoteStatic[:], isPlain)

	se, err := dh(eph.sec, remoteStatic)
	if err != nil {
		return nil, err
	}
	ss.mixKey(se)

	if _, err := ss.decrypt(msg[KeySize+16:]); err != nil {
		return nil, err
	}

	// Mirror of split(): the responder receives with the initiator's send
	// key and vice versa.
	send, recv := ss.split()
	return &handshakeResult{remoteStatic: remoteStatic, sendKey: recv, recvKey: send}, nil
}
