// Package tuicsession implements the server-side UDP association map of
// spec.md §4.4: one outbound UDP socket per assoc_id, created on first use
// and torn down on Dissociate.
package tuicsession

import (
	"context"
	"net"
	"sync"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

// Inbound is a reply datagram received on behalf of one association,
// ready to be fragmented and relayed back to the client.
type Inbound struct {
	AssocID uint16
	Payload []byte
	Addr    tuicproto.Address
}

// Outbound is a reassembled client payload waiting to be written to the
// association's UDP socket.
type Outbound struct {
	Payload []byte
	Addr    tuicproto.Address
}

// Map owns every live UDP association for one connection. Sessions are
// created lazily on the first Send for an unseen assoc_id ("miss
// creates"); Dissociate removes and tears down a session immediately,
// discarding any payload still queued for it.
type Map struct {
	maxPacketSize int
	onError       func(assocID uint16, err error)

	mu       sync.Mutex
	sessions map[uint16]*session

	recv chan Inbound
}

// NewMap returns an empty association map. onError, if non-nil, is called
// from session goroutines for recoverable send/receive failures (spec.md
// §7); it must not block.
func NewMap(maxPacketSize int, onError func(assocID uint16, err error)) *Map {
	if onError == nil {
		onError = func(uint16, error) {}
	}
	return &Map{
		maxPacketSize: maxPacketSize,
		onError:       onError,
		sessions:      make(map[uint16]*session),
		recv:          make(chan Inbound, 1),
	}
}

// Recv is the channel of reply datagrams arriving across every
// association in this map.
func (m *Map) Recv() <-chan Inbound {
	return m.recv
}

// Send queues payload for delivery to addr under assocID, creating the
// association's UDP socket if this is the first Send for assocID. Send
// blocks until the session's bounded (capacity 1) queue has room or ctx is
// done, which is how a slow remote applies backpressure to the tunnel
// (spec.md §5).
func (m *Map) Send(ctx context.Context, assocID uint16, payload []byte, addr tuicproto.Address) {
	s := m.sessionFor(assocID)
	if s == nil {
		return
	}
	select {
	case s.send <- Outbound{Payload: payload, Addr: addr}:
	case <-ctx.Done():
	case <-s.done:
	}
}

func (m *Map) sessionFor(assocID uint16) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[assocID]; ok {
		return s
	}

	s, err := newSession(assocID, m.maxPacketSize, m.recv, m.onError)
	if err != nil {
		m.onError(assocID, err)
		return nil
	}
	m.sessions[assocID] = s
	return s
}

// Len reports the number of live associations, used to decide whether the
// connection still has reason to be kept alive with heartbeats.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Dissociate tears down assocID's session, if any, and removes it from the
// map. Any payload still queued for it is discarded.
func (m *Map) Dissociate(assocID uint16) {
	m.mu.Lock()
	s, ok := m.sessions[assocID]
	delete(m.sessions, assocID)
	m.mu.Unlock()

	if ok {
		s.close()
	}
}

// Close tears down every association. Called on connection termination.
func (m *Map) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uint16]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

type session struct {
	assocID uint16
	conn    *net.UDPConn
	send    chan Outbound
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSession(assocID uint16, maxPacketSize int, recv chan<- Inbound, onError func(uint16, error)) (*session, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		assocID: assocID,
		conn:    conn,
		send:    make(chan Outbound, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run(ctx, maxPacketSize, recv, onError)

	return s, nil
}

func (s *session) run(ctx context.Context, maxPacketSize int, recv chan<- Inbound, onError func(uint16, error)) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.listenSend(ctx, onError)
	}()
	go func() {
		defer wg.Done()
		s.listenReceive(ctx, maxPacketSize, recv, onError)
	}()

	wg.Wait()
	close(s.done)
}

func (s *session) listenSend(ctx context.Context, onError func(uint16, error)) {
	for {
		select {
		case out := <-s.send:
			dst, err := resolveUDPAddr(out.Addr)
			if err != nil {
				onError(s.assocID, err)
				continue
			}
			if _, err := s.conn.WriteTo(out.Payload, dst); err != nil {
				onError(s.assocID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) listenReceive(ctx context.Context, maxPacketSize int, recv chan<- Inbound, onError func(uint16, error)) {
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			onError(s.assocID, err)
			return
		}

		payload := append([]byte(nil), buf[:n]...)
		udpFrom, _ := from.(*net.UDPAddr)
		var addr tuicproto.Address
		if udpFrom != nil {
			addr = tuicproto.NewIPAddr(udpFrom.IP, uint16(udpFrom.Port))
		}

		select {
		case recv <- Inbound{AssocID: s.assocID, Payload: payload, Addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) close() {
	s.cancel()
	s.conn.Close()
	<-s.done
}

func resolveUDPAddr(addr tuicproto.Address) (*net.UDPAddr, error) {
	if addr.Type == tuicproto.AddrTypeIPv4 || addr.Type == tuicproto.AddrTypeIPv6 {
		return &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}, nil
	}
	return net.ResolveUDPAddr("udp", addr.String())
}
