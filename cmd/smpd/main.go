package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/curve25519"

	"github.com/prxssh/smpd/internal/config"
	"github.com/prxssh/smpd/internal/server"
	"github.com/prxssh/smpd/pkg/logging"
	"github.com/prxssh/smpd/pkg/zbase32"
)

func main() {
	var (
		localPort  = flag.Int("local-port", 0, "loopback listener port (0 = OS-chosen)")
		remotePort = flag.Int("remote-port", 0, "peer listener port (0 = OS-chosen)")
		customPath = flag.String("custom", "", "path of the mutable custom map package")
		fallback   = flag.String("fallback", "", "path of the bundled fallback map package")
		styleURL   = flag.String("style-url", "", "online style URL for the default fallback chain")
		keyFile    = flag.String("key-file", "smpd.key", "device key file; created when absent")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	setupLogger(*verbose)

	kp, err := loadOrCreateKeyPair(*keyFile)
	if err != nil {
		slog.Error("device key setup failed", "error", err)
		os.Exit(1)
	}
	slog.Info("device identity loaded", "device_id", zbase32.Encode(kp.PublicKey[:]))

	srv, err := server.New(config.Options{
		DefaultOnlineStyleURL: *styleURL,
		CustomMapPath:         *customPath,
		FallbackMapPath:       *fallback,
		KeyPair:               kp,
	}, slog.Default())
	if err != nil {
		slog.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	ports, err := srv.Listen(server.ListenConfig{
		LocalPort:  *localPort,
		RemotePort: *remotePort,
	})
	if err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}
	slog.Info("smpd is up and running...",
		"local_port", ports.LocalPort,
		"remote_port", ports.RemotePort,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	_ = srv.Close()
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

// loadOrCreateKeyPair reads the 64-byte key file (secret then public) or
// generates a fresh X25519 identity when the file does not exist.
func loadOrCreateKeyPair(path string) (config.KeyPair, error) {
	var kp config.KeyPair

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != 2*config.KeySize {
			return kp, fmt.Errorf("key file %s: want %d bytes, have %d", path, 2*config.KeySize, len(raw))
		}
		copy(kp.SecretKey[:], raw[:config.KeySize])
		copy(kp.PublicKey[:], raw[config.KeySize:])
		return kp, nil

	case os.IsNotExist(err):
		if _, err := rand.Read(kp.SecretKey[:]); err != nil {
			return kp, err
		}
		pub, err := curve25519.X25519(kp.SecretKey[:], curve25519.Basepoint)
		if err != nil {
			return kp, err
		}
		copy(kp.PublicKey[:], pub)

		raw = append(append([]byte{}, kp.SecretKey[:]...), kp.PublicKey[:]...)
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return kp, err
		}
		return kp, nil

	default:
		return kp, err
	}
}
