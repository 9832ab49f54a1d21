// Package tuicserver implements the QUIC-facing half of the protocol
// engine: accepting connections, driving each one's state machine, and
// bridging Connect/Packet/Dissociate tasks to TCP dials and UDP
// associations.
package tuicserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/buhuipao/tuic/pkg/auth"
	"github.com/buhuipao/tuic/pkg/config"
	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuictransport"
)

// Server accepts TUIC connections on one bound QUIC socket and serves each
// one independently until shutdown.
type Server struct {
	cfg      *config.ServerConfig
	verifier *auth.Verifier
	listener *tuictransport.Listener
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Server from cfg. New does not load certificate files; the
// tls.Config carrying the server's certificate is passed to Start instead
// (LoadTLSConfig builds one from cfg's certificate files).
func New(cfg *config.ServerConfig) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("tuicserver: listen address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("tuicserver: token is required")
	}

	return &Server{
		cfg:      cfg,
		verifier: auth.NewVerifier(cfg.Token),
		dial:     (&net.Dialer{}).DialContext,
		stopCh:   make(chan struct{}),
	}, nil
}

// LoadTLSConfig reads cfg.Certificate/CertificateKey and returns a
// tls.Config suitable for Start.
func LoadTLSConfig(cfg *config.ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.CertificateKey)
	if err != nil {
		return nil, fmt.Errorf("tuicserver: load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Start binds the QUIC listener and begins accepting connections.
func (s *Server) Start(tlsConfig *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("tuicserver: already running")
	}

	cc, err := tuictransport.ParseCongestionController(s.cfg.CongestionControl)
	if err != nil {
		return err
	}

	ln, err := tuictransport.Listen(s.cfg.Listen, tuictransport.ListenerConfig{
		TLSConfig:        tlsConfig,
		ALPN:             s.cfg.ALPN,
		MaxIdleTimeout:   s.cfg.MaxIdleTime,
		ZeroRTTHandshake: s.cfg.ZeroRTTHandshake,
	})
	if err != nil {
		return err
	}

	s.listener = ln
	s.running = true

	logger.Info("tuic server started", "listen", s.cfg.Listen, "congestion_control", cc.String(),
		"udp_relay_mode", s.cfg.UDPRelayMode, "max_idle_time", s.cfg.MaxIdleTime, "heartbeat", s.cfg.Heartbeat)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and waits, up to a grace period, for every
// accepted connection to finish tearing down.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			logger.Error("tuic server: close listener", "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("tuic server: all connections finished")
	case <-time.After(10 * time.Second):
		logger.Warn("tuic server: timed out waiting for connections to finish")
	}

	logger.Info("tuic server stopped")
	return nil
}

// IsRunning reports whether Start has succeeded and Stop has not yet run.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, including the OS-assigned port
// when cfg.Listen requested an ephemeral one. Only valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			logger.Error("tuic server: accept failed", "err", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := newConnection(s, conn)
			c.serve()
		}()
	}
}
