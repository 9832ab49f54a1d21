// Package tuicclient implements the client half of the protocol engine:
// lazy QUIC dial and re-authenticate, CONNECT over a bi-stream, and UDP
// associate over native uni-streams or datagrams depending on the
// configured relay mode.
package tuicclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/buhuipao/tuic/pkg/auth"
	"github.com/buhuipao/tuic/pkg/config"
	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuicpacket"
	"github.com/buhuipao/tuic/pkg/tuicproto"
	"github.com/buhuipao/tuic/pkg/tuictransport"
)

// Client holds one lazily-established QUIC connection to a TUIC server
// and multiplexes SOCKS5 CONNECT/UDP ASSOCIATE requests onto it.
//
// Per spec.md §4.6 ("the client MUST lazily reconnect on the next SOCKS5
// request"), Client does not run a background reconnect loop: Connect,
// OpenAssociation, SendPacket and Dissociate call getConn, which dials and
// authenticates on demand whenever the stored connection is absent or dead.
type Client struct {
	cfg       *config.ClientConfig
	tlsConfig *tls.Config
	token     [tuicproto.TokenSize]byte

	mu   sync.Mutex
	conn quic.Connection

	assocMu  sync.Mutex
	nextID   uint32
	sessions map[uint16]*udpAssociation
}

// New builds a Client from cfg. TLS trust is built from cfg.CertificateTrust
// when non-empty (pinned CA files), otherwise the system root pool is used.
func New(cfg *config.ClientConfig) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("tuicclient: server address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("tuicclient: token is required")
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		token:     auth.Digest(cfg.Token),
		sessions:  make(map[uint16]*udpAssociation),
	}, nil
}

func buildTLSConfig(cfg *config.ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS13}

	if len(cfg.CertificateTrust) > 0 {
		pool := x509.NewCertPool()
		for _, path := range cfg.CertificateTrust {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("tuicclient: read trusted certificate %s: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("tuicclient: no certificates found in %s", path)
			}
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Close tears down the held connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.CloseWithError(0, "")
	}
	return nil
}

// getConn returns a live, authenticated connection, dialing a fresh one
// if none is held or the held one has failed.
func (c *Client) getConn(ctx context.Context) (quic.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		select {
		case <-c.conn.Context().Done():
			c.conn = nil
		default:
			return c.conn, nil
		}
	}

	cc, err := tuictransport.ParseCongestionController(c.cfg.CongestionControl)
	if err != nil {
		return nil, err
	}

	conn, err := tuictransport.Dial(ctx, c.cfg.Server, tuictransport.DialerConfig{
		TLSConfig:        c.tlsConfig,
		ALPN:             c.cfg.ALPN,
		MaxIdleTimeout:   c.cfg.Timeout,
		ZeroRTTHandshake: c.cfg.ZeroRTTHandshake,
	})
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(conn); err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}

	// Authenticate may have gone out as 0-RTT data; relay traffic waits
	// until the handshake has completed.
	if ec, ok := conn.(quic.EarlyConnection); ok {
		select {
		case <-ec.HandshakeComplete():
		case <-ctx.Done():
			conn.CloseWithError(0, "")
			return nil, ctx.Err()
		}
	}

	logger.Info("tuic client connected", "server", c.cfg.Server, "congestion_control", cc.String())

	c.conn = conn
	go c.heartbeatLoop(conn)
	go c.startReceiveLoop(conn, tuictransport.NewDemultiplexer(conn))

	return conn, nil
}

// authenticate sends the Authenticate command on its own uni-stream
// immediately after Dial returns (as 0-RTT data when the handshake is still
// in progress), before any relay traffic, per spec.md §4.6's client-side
// symmetry clause.
func (c *Client) authenticate(conn quic.Connection) error {
	s, err := conn.OpenUniStream()
	if err != nil {
		return fmt.Errorf("tuicclient: open authenticate stream: %w", err)
	}
	defer s.Close()

	buf := tuicproto.NewAuthenticate(c.token).Encode(nil)
	if _, err := s.Write(buf); err != nil {
		return fmt.Errorf("tuicclient: send authenticate: %w", err)
	}
	return nil
}

// heartbeatLoop keeps the connection alive through the server's idle
// timeout by emitting a Heartbeat on its own uni-stream every interval,
// matching spec.md §4.6's requirement that heartbeat_interval be strictly
// less than the effective idle timeout.
func (c *Client) heartbeatLoop(conn quic.Connection) {
	interval := c.cfg.Heartbeat
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Context().Done():
			return
		case <-ticker.C:
			s, err := conn.OpenUniStream()
			if err != nil {
				return
			}
			_, err = s.Write(tuicproto.NewHeartbeat().Encode(nil))
			s.Close()
			if err != nil {
				return
			}
		}
	}
}

// Connect opens a bi-stream, sends a Connect command for addr, and
// returns the stream as a net.Conn-shaped relay (io.ReadWriteCloser):
// the caller (typically pkg/socks5front) copies application bytes to and
// from it.
func (c *Client) Connect(ctx context.Context, addr tuicproto.Address) (quic.Stream, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}

	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("tuicclient: open bi-stream: %w", err)
	}

	buf := tuicproto.NewConnect(addr).Encode(nil)
	if _, err := s.Write(buf); err != nil {
		s.CancelWrite(0)
		return nil, fmt.Errorf("tuicclient: send connect: %w", err)
	}

	return s, nil
}

// nextAssocID hands out association identifiers from a counter shared by
// this client's lifetime; the uint16 result wraps after 65535 ids.
func (c *Client) nextAssocID() uint16 {
	return uint16(atomic.AddUint32(&c.nextID, 1))
}

// nextClientPacketID assigns packet IDs to outbound fragments; uniqueness
// within the association is all reassembly requires.
var clientPacketID atomic.Uint32

func nextClientPacketID() uint16 {
	return uint16(clientPacketID.Add(1))
}

// maxDatagramSize returns the configured fragment ceiling, defaulting to
// a conservative value if unset.
func (c *Client) maxDatagramSize() int {
	if c.cfg.MaxPacketSize > 0 {
		return c.cfg.MaxPacketSize
	}
	return 1500
}

// SendPacket fragments payload per spec.md §4.3 and sends it over
// whichever wire shape the configured udp_relay_mode selects.
func (c *Client) SendPacket(ctx context.Context, assocID uint16, addr tuicproto.Address, payload []byte) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	fragments := tuicpacket.Split(assocID, nextClientPacketID(), addr, payload, c.maxDatagramSize())
	if fragments == nil {
		return fmt.Errorf("tuicclient: max packet size %d too small for a packet header to %s", c.maxDatagramSize(), addr.String())
	}

	native := c.cfg.UDPRelayMode != config.UDPRelayModeQuic

	for _, frag := range fragments {
		buf := frag.Cmd.Encode(nil)
		buf = append(buf, frag.Payload...)

		if native {
			s, err := conn.OpenUniStream()
			if err != nil {
				return err
			}
			_, err = s.Write(buf)
			s.Close()
			if err != nil {
				return err
			}
			continue
		}

		if err := conn.SendDatagram(buf); err != nil {
			return err
		}
	}

	return nil
}

// Dissociate sends a Dissociate command for assocID over a fresh
// uni-stream.
func (c *Client) Dissociate(ctx context.Context, assocID uint16) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}

	s, err := conn.OpenUniStream()
	if err != nil {
		return err
	}
	defer s.Close()

	_, err = s.Write(tuicproto.NewDissociate(assocID).Encode(nil))
	return err
}
