package tuictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// ListenerConfig carries the subset of the configuration snapshot
// (spec.md §3 "Configuration snapshot") that shapes how the QUIC endpoint
// itself is built, as opposed to connection-level protocol behavior.
type ListenerConfig struct {
	TLSConfig        *tls.Config
	ALPN             []string
	MaxIdleTimeout   time.Duration // 0 uses quic-go's default
	ZeroRTTHandshake bool
}

// Listener accepts incoming QUIC connections on one bound socket.
type Listener struct {
	ql *quic.Listener
}

// Listen binds addr and returns a Listener. TLSConfig.NextProtos is
// overwritten from cfg.ALPN when cfg.ALPN is non-empty, since ALPN
// negotiation is how two TUIC endpoints agree on this protocol over a
// socket that may be shared with other QUIC-speaking services.
func Listen(addr string, cfg ListenerConfig) (*Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("tuictransport: TLSConfig is required")
	}
	tlsConf := cfg.TLSConfig.Clone()
	if len(cfg.ALPN) > 0 {
		tlsConf.NextProtos = cfg.ALPN
	}

	qc := &quic.Config{
		Allow0RTT: cfg.ZeroRTTHandshake,
	}
	if cfg.MaxIdleTimeout > 0 {
		qc.MaxIdleTimeout = cfg.MaxIdleTimeout
	}

	ql, err := quic.ListenAddr(addr, tlsConf, qc)
	if err != nil {
		return nil, fmt.Errorf("tuictransport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until the next connection completes its QUIC handshake.
// Authentication is a protocol-level concern handled by pkg/tuicserver
// atop the returned connection, not here.
func (l *Listener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.ql.Accept(ctx)
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ql.Close()
}
