package tuictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// DialerConfig mirrors ListenerConfig on the client side.
type DialerConfig struct {
	TLSConfig        *tls.Config
	ALPN             []string
	MaxIdleTimeout   time.Duration
	ZeroRTTHandshake bool
}

// Dial opens a new QUIC connection to addr. When cfg.ZeroRTTHandshake is
// set, Dial uses quic.DialAddrEarly and, if the client holds session
// resumption state for addr, returns a connection whose handshake may still
// be in progress. pkg/tuicclient may send Authenticate on it right away,
// then waits for the handshake to complete before sending relay traffic.
// The protocol has no authentication acknowledgement from the server, so
// the client does not wait for one.
func Dial(ctx context.Context, addr string, cfg DialerConfig) (quic.Connection, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("tuictransport: TLSConfig is required")
	}
	tlsConf := cfg.TLSConfig.Clone()
	if len(cfg.ALPN) > 0 {
		tlsConf.NextProtos = cfg.ALPN
	}

	qc := &quic.Config{}
	if cfg.MaxIdleTimeout > 0 {
		qc.MaxIdleTimeout = cfg.MaxIdleTimeout
	}

	if cfg.ZeroRTTHandshake {
		conn, err := quic.DialAddrEarly(ctx, addr, tlsConf, qc)
		if err != nil {
			return nil, fmt.Errorf("tuictransport: dial %s (0-RTT): %w", addr, err)
		}
		return conn, nil
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, qc)
	if err != nil {
		return nil, fmt.Errorf("tuictransport: dial %s: %w", addr, err)
	}
	return conn, nil
}
