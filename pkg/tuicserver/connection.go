package tuicserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuicerr"
	"github.com/buhuipao/tuic/pkg/tuicmetrics"
	"github.com/buhuipao/tuic/pkg/tuicpacket"
	"github.com/buhuipao/tuic/pkg/tuicproto"
	"github.com/buhuipao/tuic/pkg/tuicsession"
	"github.com/buhuipao/tuic/pkg/tuicstream"
	"github.com/buhuipao/tuic/pkg/tuictransport"
)

// connState is the Pending/Authenticated/Closing/Closed state machine of
// one QUIC connection.
type connState int32

const (
	statePending connState = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// pendingTask is a non-Authenticate source accepted before the connection
// has authenticated. resume carries out whatever processing the source's
// handler already decided on, using the command (and payload, for a
// uni-stream Packet) decoded at accept time -- a stream's bytes can only
// be read once, so a replayed task must never re-decode from the stream.
type pendingTask struct {
	resume func()
}

const pendingTaskQueueSize = 64

// connection drives the task lifecycle of one accepted QUIC connection:
// demultiplexing its three source kinds, gating everything but
// Authenticate until the connection is authenticated, and bridging
// Connect/Packet/Dissociate to TCP dials and the UDP session map.
type connection struct {
	srv    *Server
	conn   quic.Connection
	connID string // correlates this connection's log lines, nothing more

	demux    *tuictransport.Demultiplexer
	registry *tuicstream.Registry
	buffer   *tuicpacket.Buffer
	sessions *tuicsession.Map

	state   atomic.Int32
	pending chan pendingTask

	relayInFlight atomic.Int64 // counts live Connect/Packet relay tasks, gates heartbeat

	lastReplyMu   sync.Mutex
	lastReplyMode udpRelayMode // which wire shape to use for server->client Packet replies

	cancel context.CancelFunc
}

type udpRelayMode int

const (
	relayModeUnset udpRelayMode = iota
	relayModeNative             // uni-stream
	relayModeQuic               // datagram
)

func newConnection(srv *Server, qc quic.Connection) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		srv:      srv,
		conn:     qc,
		connID:   uuid.NewString(),
		demux:    tuictransport.NewDemultiplexer(qc),
		registry: tuicstream.New(),
		buffer:   tuicpacket.NewBuffer(),
		pending:  make(chan pendingTask, pendingTaskQueueSize),
		cancel:   cancel,
	}
	c.sessions = tuicsession.NewMap(srv.cfg.MaxUDPPacketSize, c.onSessionError)
	c.state.Store(int32(statePending))

	go c.relayBackLoop(ctx)
	go c.heartbeatLoop(ctx)

	return c
}

// serve runs the connection until it closes, then tears down every
// resource it owns.
func (c *connection) serve() {
	remote := c.conn.RemoteAddr().String()
	logger.Info("connection accepted", "conn_id", c.connID, "remote", remote)
	tuicmetrics.ConnectionOpened()

	defer func() {
		c.teardown()
		tuicmetrics.ConnectionClosed()
		logger.Info("connection closed", "conn_id", c.connID, "remote", remote)
	}()

	authDeadline := time.After(c.authTimeout())

	for {
		if c.state.Load() == int32(stateClosed) {
			return
		}

		src, err := c.demux.Next(context.Background())
		if err != nil {
			c.fail(tuicerr.Connection(tuicerr.CodeNone, err))
			return
		}

		if c.state.Load() == int32(statePending) {
			select {
			case <-authDeadline:
				c.fail(tuicerr.Connection(tuicerr.CodeAuthFailed, errors.New("authentication timed out")))
				return
			default:
			}
		}

		c.dispatch(src)
	}
}

func (c *connection) authTimeout() time.Duration {
	if c.srv.cfg.MaxIdleTime > 0 {
		return c.srv.cfg.MaxIdleTime
	}
	return 15 * time.Second
}

// dispatch routes one accepted source to its handler, spawning it as an
// independent task so a slow payload cannot stall the demultiplexer.
func (c *connection) dispatch(src tuictransport.Source) {
	release := c.registry.Acquire()
	go func() {
		defer release()
		defer c.recoverPanic()

		switch src.Kind {
		case tuictransport.SourceBiStream:
			c.handleBiStream(src.Bi)
		case tuictransport.SourceUniStream:
			c.handleUniStream(src.Uni)
		case tuictransport.SourceDatagram:
			c.handleDatagram(src.Datagram)
		}
	}()
}

func (c *connection) recoverPanic() {
	if r := recover(); r != nil {
		logger.Error("connection task panicked", "remote", c.conn.RemoteAddr().String(), "panic", r)
	}
}

// handleBiStream enforces spec.md §4.5: a bi-stream must carry exactly one
// Connect command, otherwise the stream is closed with an error code.
func (c *connection) handleBiStream(s quic.Stream) {
	cmd, err := tuicproto.Decode(s)
	if err != nil {
		c.closeStream(s, tuicerr.ClassifyDecode(err))
		return
	}
	if cmd.Type != tuicproto.TypeConnect {
		c.closeStream(s, tuicerr.Stream(tuicerr.CodeUnsupportedCommand, errors.New("bi-stream must open with Connect")))
		return
	}

	resume := func() { c.handleConnect(s, cmd.Addr) }
	if !c.requireAuthenticated(resume) {
		return
	}
	resume()
}

// handleUniStream accepts Authenticate, Packet, Dissociate, or Heartbeat.
func (c *connection) handleUniStream(s quic.ReceiveStream) {
	cmd, err := tuicproto.Decode(s)
	if err != nil {
		logger.Error("uni-stream decode failed", "remote", c.conn.RemoteAddr().String(), "err", err)
		return
	}

	switch cmd.Type {
	case tuicproto.TypeAuthenticate:
		c.handleAuthenticate(cmd.Token)
		return
	}

	// The stream's bytes are only readable once, so a Packet's payload must
	// be pulled off the wire now, whether or not the connection is
	// authenticated yet -- a replayed task resumes from this payload, never
	// from the stream itself.
	var resume func()
	switch cmd.Type {
	case tuicproto.TypePacket:
		payload := make([]byte, cmd.Size)
		if _, err := io.ReadFull(s, payload); err != nil {
			logger.Error("uni-stream packet read failed", "err", err)
			return
		}
		resume = func() {
			c.markRelayMode(relayModeNative)
			c.handlePacket(cmd, payload)
		}
	case tuicproto.TypeDissociate:
		resume = func() { c.handleDissociate(cmd.DissociateID) }
	case tuicproto.TypeHeartbeat:
		// Heartbeat carries no body; receiving one simply proves
		// liveness, nothing to do.
		resume = func() {}
	default:
		logger.Error("unsupported uni-stream command", "type", cmd.Type)
		return
	}

	if !c.requireAuthenticated(resume) {
		return
	}
	resume()
}

// handleDatagram accepts only Packet, per spec.md §4.5.
func (c *connection) handleDatagram(b []byte) {
	cmd, rest, err := decodePacketFromDatagram(b)
	if err != nil {
		logger.Error("datagram decode failed", "err", err)
		return
	}
	if cmd.Type != tuicproto.TypePacket {
		logger.Error("unexpected datagram command", "type", cmd.Type)
		return
	}

	resume := func() {
		c.markRelayMode(relayModeQuic)
		c.handlePacket(cmd, rest)
	}
	if !c.requireAuthenticated(resume) {
		return
	}
	resume()
}

// requireAuthenticated gates resume on the connection's state. If the
// connection has not yet authenticated, resume is queued in arrival order
// and replayed once Authenticate succeeds; it reports false in that case
// so the caller does not also run resume this time.
func (c *connection) requireAuthenticated(resume func()) bool {
	if connState(c.state.Load()) == stateAuthenticated {
		return true
	}

	select {
	case c.pending <- pendingTask{resume: resume}:
	default:
		logger.Warn("pending task queue full, dropping task", "remote", c.conn.RemoteAddr().String())
	}
	return false
}

func (c *connection) handleAuthenticate(token [tuicproto.TokenSize]byte) {
	switch connState(c.state.Load()) {
	case stateAuthenticated:
		tuicmetrics.AuthFailure()
		c.fail(tuicerr.Connection(tuicerr.CodeDuplicatedAuth, errors.New("duplicated authenticate")))
		return
	case stateClosing, stateClosed:
		return
	}

	if !c.srv.verifier.Check(token) {
		tuicmetrics.AuthFailure()
		c.fail(tuicerr.Connection(tuicerr.CodeAuthFailed, errors.New("token mismatch")))
		return
	}

	c.state.Store(int32(stateAuthenticated))
	logger.Info("connection authenticated", "remote", c.conn.RemoteAddr().String())

	c.drainPending()
}

// drainPending replays every task accepted before authentication, in the
// order it arrived, resuming each from its already-decoded command instead
// of touching the underlying stream again.
func (c *connection) drainPending() {
	for {
		select {
		case t := <-c.pending:
			c.runTask(t.resume)
		default:
			return
		}
	}
}

// runTask spawns resume under the same registry accounting and panic
// recovery as a freshly dispatched source.
func (c *connection) runTask(resume func()) {
	release := c.registry.Acquire()
	go func() {
		defer release()
		defer c.recoverPanic()
		resume()
	}()
}

func (c *connection) markRelayMode(m udpRelayMode) {
	c.lastReplyMu.Lock()
	c.lastReplyMode = m
	c.lastReplyMu.Unlock()
}

// handleConnect dials addr over TCP and bridges it to the bi-stream with a
// bidirectional copy until either side closes.
func (c *connection) handleConnect(s quic.Stream, addr tuicproto.Address) {
	c.relayInFlight.Add(1)
	defer c.relayInFlight.Add(-1)

	target := addr.String()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tcpConn, err := c.srv.dial(ctx, "tcp", target)
	if err != nil {
		logger.Error("connect dial failed", "target", target, "err", err)
		s.CancelWrite(quic.StreamErrorCode(tuicerr.CodeNone))
		return
	}
	defer tcpConn.Close()

	logger.Debug("connect established", "target", target)

	var g errgroup.Group

	g.Go(func() error {
		n, err := io.Copy(tcpConn, s)
		tuicmetrics.AddBytesReceived(n)
		if err != nil && !isClosedErr(err) {
			logger.Debug("connect: client->target copy ended", "err", err)
		}
		if tc, ok := tcpConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		return nil
	})

	g.Go(func() error {
		n, err := io.Copy(s, tcpConn)
		tuicmetrics.AddBytesSent(n)
		if err != nil && !isClosedErr(err) {
			logger.Debug("connect: target->client copy ended", "err", err)
		}
		s.Close()
		return nil
	})

	g.Wait()
}

// handlePacket feeds one fragment into the reassembly table and, once
// complete, forwards the payload to the UDP session map.
func (c *connection) handlePacket(cmd tuicproto.Command, payload []byte) {
	reassembled, err := c.buffer.Insert(cmd.AssocID, cmd.PacketID, cmd.FragTotal, cmd.FragID, cmd.Addr, payload)
	if err != nil {
		logger.Error("packet reassembly failed", "assoc_id", cmd.AssocID, "err", err)
		return
	}
	if reassembled == nil {
		return // fragmentation not yet complete
	}

	c.relayInFlight.Add(1)
	defer c.relayInFlight.Add(-1)

	tuicmetrics.AddBytesReceived(int64(len(reassembled.Payload)))
	c.sessions.Send(context.Background(), reassembled.AssocID, reassembled.Payload, reassembled.Addr)
}

func (c *connection) handleDissociate(assocID uint16) {
	c.buffer.DropAssoc(assocID)
	c.sessions.Dissociate(assocID)
	tuicmetrics.AssociationClosed()
	logger.Debug("dissociated", "assoc_id", assocID)
}

// relayBackLoop drains reply datagrams from every UDP association and
// relays them to the client, fragmented per spec.md §4.3, using whichever
// wire shape (native uni-stream or datagram) the client was last seen
// using -- mode selection mirrors whatever the peer sent (spec.md §4.6).
func (c *connection) relayBackLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-c.sessions.Recv():
			if !ok {
				return
			}
			c.sendReply(in)
		}
	}
}

func (c *connection) sendReply(in tuicsession.Inbound) {
	maxSize := c.srv.cfg.MaxUDPPacketSize
	if maxSize <= 0 {
		maxSize = 1500
	}

	fragments := tuicpacket.Split(in.AssocID, nextPacketID(), in.Addr, in.Payload, maxSize)
	if fragments == nil {
		logger.Error("max packet size too small for a reply packet header", "assoc_id", in.AssocID, "max_size", maxSize)
		return
	}

	c.lastReplyMu.Lock()
	mode := c.lastReplyMode
	c.lastReplyMu.Unlock()

	for _, frag := range fragments {
		buf := frag.Cmd.Encode(nil)
		buf = append(buf, frag.Payload...)

		var err error
		switch mode {
		case relayModeQuic:
			err = c.conn.SendDatagram(buf)
		default:
			var s quic.SendStream
			s, err = c.conn.OpenUniStream()
			if err == nil {
				_, err = s.Write(buf)
				s.Close()
			}
		}
		if err != nil {
			logger.Error("reply send failed", "assoc_id", in.AssocID, "err", err)
			return
		}
	}
	tuicmetrics.AddBytesSent(int64(len(in.Payload)))
}

// heartbeatLoop emits a Heartbeat on its own uni-stream every heartbeat
// interval while at least one association or active stream exists,
// keeping the QUIC connection alive through its idle timeout for as long
// as it still matters (spec.md §4.6). An open-but-idle association must
// still keep the connection alive even though relayInFlight only counts
// the brief span of an in-progress Send, so the gate also checks the
// session map's live-count and the stream registry.
func (c *connection) heartbeatLoop(ctx context.Context) {
	interval := c.srv.cfg.Heartbeat
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if connState(c.state.Load()) != stateAuthenticated {
				continue
			}
			if c.relayInFlight.Load() == 0 && c.sessions.Len() == 0 && c.registry.Len() == 0 {
				continue
			}
			s, err := c.conn.OpenUniStream()
			if err != nil {
				continue
			}
			buf := tuicproto.NewHeartbeat().Encode(nil)
			if _, err := s.Write(buf); err != nil {
				logger.Debug("heartbeat send failed", "err", err)
			}
			s.Close()
		}
	}
}

func (c *connection) onSessionError(assocID uint16, err error) {
	logger.Debug("udp session error", "assoc_id", assocID, "err", err)
}

// fail closes the connection with e's code and tears down local state.
// Fatal regardless of Kind here: any error reaching fail terminates the
// whole connection, since the caller already decided this is not a
// merely-recoverable condition.
func (c *connection) fail(e *tuicerr.Error) {
	prev := connState(c.state.Swap(int32(stateClosing)))
	if prev == stateClosing || prev == stateClosed {
		return
	}
	logger.Error("connection failing", "remote", c.conn.RemoteAddr().String(), "kind", e.Kind.String(), "code", e.Code, "err", e.Err)
	c.conn.CloseWithError(quic.ApplicationErrorCode(e.Code), e.Err.Error())
}

func (c *connection) closeStream(s quic.Stream, e *tuicerr.Error) {
	logger.Error("stream failing", "remote", c.conn.RemoteAddr().String(), "code", e.Code, "err", e.Err)
	s.CancelWrite(quic.StreamErrorCode(e.Code))
	s.CancelRead(quic.StreamErrorCode(e.Code))
}

// teardown waits for the stream registry to drain, force-closes anything
// left after a grace period, then releases every connection-scoped
// resource (spec.md §4.7, §5).
func (c *connection) teardown() {
	c.state.Store(int32(stateClosing))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := c.registry.Drain(drainCtx); err != nil {
		logger.Warn("stream registry drain timed out, forcing close", "remote", c.conn.RemoteAddr().String())
	}

	c.cancel()
	c.demux.Close()
	c.sessions.Close()
	c.conn.CloseWithError(0, "")

	c.state.Store(int32(stateClosed))
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

var packetIDCounter atomic.Uint32

// nextPacketID assigns packet IDs to server-originated replies; the
// client does not correlate these against its own sequence, so only
// uniqueness within this connection matters.
func nextPacketID() uint16 {
	return uint16(packetIDCounter.Add(1))
}

// decodePacketFromDatagram decodes a Packet command's fixed header and
// address from the front of a datagram and returns the trailing payload
// slice, per spec.md §4.5 ("the fragment payload is the byte slice after
// the header").
func decodePacketFromDatagram(b []byte) (tuicproto.Command, []byte, error) {
	r := bytes.NewReader(b)
	cmd, err := tuicproto.Decode(r)
	if err != nil {
		return tuicproto.Command{}, nil, err
	}
	consumed := len(b) - r.Len()
	return cmd, b[consumed:], nil
}
