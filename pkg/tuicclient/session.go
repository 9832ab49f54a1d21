package tuicclient

import (
	"bytes"
	"context"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuicpacket"
	"github.com/buhuipao/tuic/pkg/tuicproto"
	"github.com/buhuipao/tuic/pkg/tuictransport"
)

// udpAssociation is one client-side UDP ASSOCIATE session: a channel of
// reassembled reply payloads arriving from the server for this assoc_id,
// fed by the connection's startReceiveLoop.
type udpAssociation struct {
	id   uint16
	recv chan tuicpacket.Reassembled
	done chan struct{}
}

// OpenAssociation allocates a new assoc_id and registers a channel that
// receives every reassembled reply the server sends back for it. The
// caller (pkg/socks5front's UDP ASSOCIATE handler) drives Send/Recv and
// calls Close when the SOCKS5 client's UDP session ends.
func (c *Client) OpenAssociation(ctx context.Context) (*Association, error) {
	if _, err := c.getConn(ctx); err != nil {
		return nil, err
	}

	id := c.nextAssocID()
	a := &udpAssociation{id: id, recv: make(chan tuicpacket.Reassembled, 8), done: make(chan struct{})}

	c.assocMu.Lock()
	c.sessions[id] = a
	c.assocMu.Unlock()

	return &Association{client: c, id: id, a: a}, nil
}

// Association is the caller-facing handle for one UDP ASSOCIATE session.
type Association struct {
	client *Client
	id     uint16
	a      *udpAssociation
}

// ID returns the assoc_id this association sends and receives under.
func (as *Association) ID() uint16 { return as.id }

// Send fragments and relays payload to addr under this association.
func (as *Association) Send(ctx context.Context, addr tuicproto.Address, payload []byte) error {
	return as.client.SendPacket(ctx, as.id, addr, payload)
}

// Recv returns the channel of reassembled reply payloads for this
// association.
func (as *Association) Recv() <-chan tuicpacket.Reassembled {
	return as.a.recv
}

// Close dissociates this session both locally and, best-effort, on the
// server.
func (as *Association) Close(ctx context.Context) {
	as.client.assocMu.Lock()
	delete(as.client.sessions, as.id)
	as.client.assocMu.Unlock()

	close(as.a.done)

	if err := as.client.Dissociate(ctx, as.id); err != nil {
		logger.Debug("dissociate failed", "assoc_id", as.id, "err", err)
	}
}

// startReceiveLoop demultiplexes conn's incoming uni-streams and
// datagrams (the server's only outbound source kinds toward the client;
// the bi-streams the client itself opened for Connect carry their own
// reply traffic directly) and routes reassembled Packet replies to the
// registered association, if any is still open.
func (c *Client) startReceiveLoop(conn quic.Connection, demux *tuictransport.Demultiplexer) {
	buffer := tuicpacket.NewBuffer()
	ctx := conn.Context()

	for {
		src, err := demux.Next(ctx)
		if err != nil {
			return
		}

		switch src.Kind {
		case tuictransport.SourceUniStream:
			c.handleServerUniStream(buffer, src.Uni)
		case tuictransport.SourceDatagram:
			c.handleServerDatagram(buffer, src.Datagram)
		case tuictransport.SourceBiStream:
			// The server never opens a bi-stream toward the client in
			// this protocol; ignore defensively rather than block a
			// handler on it forever.
			src.Bi.CancelRead(0)
			src.Bi.CancelWrite(0)
		}
	}
}

func (c *Client) handleServerUniStream(buffer *tuicpacket.Buffer, s quic.ReceiveStream) {
	cmd, err := tuicproto.Decode(s)
	if err != nil {
		logger.Debug("client: uni-stream decode failed", "err", err)
		return
	}
	if cmd.Type != tuicproto.TypePacket {
		return // Heartbeat or anything else needs no action on receipt
	}

	payload := make([]byte, cmd.Size)
	if _, err := io.ReadFull(s, payload); err != nil {
		logger.Debug("client: uni-stream packet read failed", "err", err)
		return
	}
	c.deliver(buffer, cmd, payload)
}

func (c *Client) handleServerDatagram(buffer *tuicpacket.Buffer, b []byte) {
	cmd, rest, err := decodeClientDatagram(b)
	if err != nil {
		logger.Debug("client: datagram decode failed", "err", err)
		return
	}
	if cmd.Type != tuicproto.TypePacket {
		return
	}
	c.deliver(buffer, cmd, rest)
}

func (c *Client) deliver(buffer *tuicpacket.Buffer, cmd tuicproto.Command, payload []byte) {
	reassembled, err := buffer.Insert(cmd.AssocID, cmd.PacketID, cmd.FragTotal, cmd.FragID, cmd.Addr, payload)
	if err != nil {
		logger.Debug("client: reassembly failed", "assoc_id", cmd.AssocID, "err", err)
		return
	}
	if reassembled == nil {
		return
	}

	c.assocMu.Lock()
	a, ok := c.sessions[cmd.AssocID]
	c.assocMu.Unlock()
	if !ok {
		return
	}

	select {
	case a.recv <- *reassembled:
	case <-a.done:
	}
}

func decodeClientDatagram(b []byte) (tuicproto.Command, []byte, error) {
	r := bytes.NewReader(b)
	cmd, err := tuicproto.Decode(r)
	if err != nil {
		return tuicproto.Command{}, nil, err
	}
	consumed := len(b) - r.Len()
	return cmd, b[consumed:], nil
}
