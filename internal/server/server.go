// Package server binds the whole daemon together: the loopback listener for
// the host application, the authenticated peer listener for other devices,
// and the single router both share.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/smpd/internal/config"
	"github.com/prxssh/smpd/internal/download"
	"github.com/prxssh/smpd/internal/mapstore"
	"github.com/prxssh/smpd/internal/securenet"
	"github.com/prxssh/smpd/internal/share"
)

const shutdownTimeout = 5 * time.Second

type ctxKey int

const (
	ctxKeyOrigin ctxKey = iota
	ctxKeyConn
)

type origin int

const (
	originLoopback origin = iota
	originPeer
)

// ListenConfig names the ports to bind; zero means OS-chosen.
type ListenConfig struct {
	LocalPort  int
	RemotePort int
}

// Ports reports the ports actually bound.
type Ports struct {
	LocalPort  int
	RemotePort int
}

// Server is the daemon handle. Build it with New, bind with Listen, tear down
// with Close. Listen may be called again after a previous bind to move ports;
// peer URLs dispensed after the rebind reflect the new remote port.
type Server struct {
	log  *slog.Logger
	opts config.Options

	store     *mapstore.Store
	dialer    *securenet.Dialer
	shares    *share.Registry
	downloads *download.Registry

	handler http.Handler
	probe   *http.Client

	mu         sync.Mutex
	localPort  int
	remotePort int
	localSrv   *http.Server
	peerSrv    *http.Server
}

func New(opts config.Options, log *slog.Logger) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:   log.With("src", "server"),
		opts:  opts,
		store: mapstore.New(opts.CustomMapPath, opts.FallbackMapPath, log),
		probe: &http.Client{Timeout: 3 * time.Second},
	}
	s.dialer = securenet.NewDialer(opts.KeyPair.PublicKey, opts.KeyPair.SecretKey, log)
	s.shares = share.NewRegistry(s.store, s.peerURLs, log)
	s.downloads = download.NewRegistry(s.store, s.dialer, log)
	s.handler = s.buildHandler()
	return s, nil
}

// Listen binds both listeners; neither port is reported before both are
// accepting. A second call rebinds.
func (s *Server) Listen(cfg ListenConfig) (Ports, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.localSrv != nil {
		s.stopLocked()
	}

	var (
		localLn net.Listener
		peerLn  *securenet.Listener
	)

	g := new(errgroup.Group)
	g.Go(func() error {
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(cfg.LocalPort))
		if err != nil {
			return fmt.Errorf("server: local listener: %w", err)
		}
		localLn = ln
		return nil
	})
	g.Go(func() error {
		ln, err := securenet.Listen(
			"0.0.0.0:"+strconv.Itoa(cfg.RemotePort),
			s.opts.KeyPair.PublicKey,
			s.opts.KeyPair.SecretKey,
			s.log,
		)
		if err != nil {
			return fmt.Errorf("server: peer listener: %w", err)
		}
		peerLn = ln
		return nil
	})
	if err := g.Wait(); err != nil {
		if localLn != nil {
			_ = localLn.Close()
		}
		if peerLn != nil {
			_ = peerLn.Close()
		}
		return Ports{}, err
	}

	s.localPort = localLn.Addr().(*net.TCPAddr).Port
	s.remotePort = peerLn.Addr().(*net.TCPAddr).Port

	s.localSrv = &http.Server{
		Handler: s.handler,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, ctxKeyOrigin, originLoopback)
		},
	}
	s.peerSrv = &http.Server{
		Handler: s.handler,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			ctx = context.WithValue(ctx, ctxKeyOrigin, originPeer)
			return context.WithValue(ctx, ctxKeyConn, c)
		},
	}

	go s.serve(s.localSrv, localLn, "local")
	go s.serve(s.peerSrv, peerLn, "peer")

	s.log.Info("listening",
		"local_port", s.localPort,
		"remote_port", s.remotePort,
	)
	return Ports{LocalPort: s.localPort, RemotePort: s.remotePort}, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("listener stopped", "listener", name, "error", err)
	}
}

func (s *Server) stopLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.localSrv != nil {
		_ = s.localSrv.Shutdown(ctx)
		s.localSrv = nil
	}
	if s.peerSrv != nil {
		_ = s.peerSrv.Shutdown(ctx)
		s.peerSrv = nil
	}
}

// Close stops both listeners and tears down the registries and dialer.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	s.shares.Close()
	s.downloads.Close()
	s.dialer.Close()
	return nil
}

// peerURLs renders one share URL per non-loopback IPv4 interface address, in
// interface discovery order.
func (s *Server) peerURLs(shareID string) []string {
	s.mu.Lock()
	port := s.remotePort
	s.mu.Unlock()

	ifaces, err := net.Interfaces()
	if err != nil {
		s.log.Warn("could not enumerate interfaces", "error", err)
		return nil
	}

	var urls []string
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			urls = append(urls, fmt.Sprintf("http://%s:%d/mapShares/%s", ip, port, shareID))
		}
	}
	return urls
}

func (s *Server) mapBaseURL(slotID string) string {
	s.mu.Lock()
	port := s.localPort
	s.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d/maps/%s", port, slotID)
}
