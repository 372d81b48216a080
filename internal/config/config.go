package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
)

// KeySize is the length of both halves of an X25519 key pair.
const KeySize = 32

var (
	ErrMissingFallback = errors.New("config: fallback map path is required")
	ErrMissingCustom   = errors.New("config: custom map path is required")
	ErrBadKeyPair      = errors.New("config: key pair must be 32+32 bytes")
	ErrBadStyleURL     = errors.New("config: default online style url is not absolute")
)

// KeyPair is the device's long-term identity. PublicKey is what remote peers
// see after the transport handshake; its z-base-32 form is the device ID.
type KeyPair struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// Options configures a server instance. These are the only recognized
// options; anything else the host application needs lives above this layer.
type Options struct {
	// DefaultOnlineStyleURL is the style document consulted by the
	// `default` style fallback chain when the custom slot is empty.
	// Optional; must be an absolute URL when set.
	DefaultOnlineStyleURL string

	// CustomMapPath is the mutable `custom` slot's file. It need not exist
	// at startup; uploads and received shares land here.
	CustomMapPath string

	// FallbackMapPath is the read-only bundled package. It must exist and
	// be a valid package at startup.
	FallbackMapPath string

	// KeyPair is the device identity used by the peer transport.
	KeyPair KeyPair
}

// Validate checks option shape. Package validity of the fallback file is
// checked by the store on first open, not here.
func (o *Options) Validate() error {
	if o.CustomMapPath == "" {
		return ErrMissingCustom
	}
	if o.FallbackMapPath == "" {
		return ErrMissingFallback
	}
	if _, err := os.Stat(o.FallbackMapPath); err != nil {
		return fmt.Errorf("config: fallback map: %w", err)
	}

	var zero [KeySize]byte
	if o.KeyPair.PublicKey == zero || o.KeyPair.SecretKey == zero {
		return ErrBadKeyPair
	}

	if o.DefaultOnlineStyleURL != "" {
		u, err := url.Parse(o.DefaultOnlineStyleURL)
		if err != nil || !u.IsAbs() {
			return ErrBadStyleURL
		}
	}

	return nil
}
