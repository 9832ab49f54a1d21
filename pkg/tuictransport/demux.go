package tuictransport

import (
	"context"

	"github.com/quic-go/quic-go"
)

// Demultiplexer fairly merges a connection's three incoming task sources
// into one channel, mirroring the fused-stream demultiplexer of the
// original implementation (there built on futures::stream::SelectAll).
// Go has no poll-based select over arbitrary stream types, so the merge is
// a classic fan-in: one pump goroutine per source, each feeding the shared
// channel, bounded by the connection's own backpressure since Accept*
// blocks until the next item is ready (spec.md §5: "the demultiplexer
// advances by awaiting the merged source").
type Demultiplexer struct {
	conn quic.Connection

	out  chan Source
	errc chan error
	done chan struct{}
}

// NewDemultiplexer starts pumping conn's bi-streams, uni-streams, and
// datagrams into a shared channel. Call Next to consume, and Close to stop
// the pumps once the connection is torn down.
func NewDemultiplexer(conn quic.Connection) *Demultiplexer {
	d := &Demultiplexer{
		conn: conn,
		out:  make(chan Source),
		errc: make(chan error, 3),
		done: make(chan struct{}),
	}

	go d.pumpBiStreams()
	go d.pumpUniStreams()
	go d.pumpDatagrams()

	return d
}

// Next returns the next accepted source, blocking until one arrives, ctx is
// done, Close is called, or any one pump fails (typically because the
// connection closed); that pump's error is returned.
func (d *Demultiplexer) Next(ctx context.Context) (Source, error) {
	select {
	case src := <-d.out:
		return src, nil
	case err := <-d.errc:
		return Source{}, err
	case <-ctx.Done():
		return Source{}, ctx.Err()
	case <-d.done:
		return Source{}, context.Canceled
	}
}

// Close stops accepting new sources. Pumps blocked in Accept* exit once the
// underlying quic.Connection is itself closed; Close only stops Next from
// being served a second time.
func (d *Demultiplexer) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *Demultiplexer) pumpBiStreams() {
	for {
		s, err := d.conn.AcceptStream(context.Background())
		if err != nil {
			d.errc <- err
			return
		}
		select {
		case d.out <- Source{Kind: SourceBiStream, Bi: s}:
		case <-d.done:
			return
		}
	}
}

func (d *Demultiplexer) pumpUniStreams() {
	for {
		s, err := d.conn.AcceptUniStream(context.Background())
		if err != nil {
			d.errc <- err
			return
		}
		select {
		case d.out <- Source{Kind: SourceUniStream, Uni: s}:
		case <-d.done:
			return
		}
	}
}

func (d *Demultiplexer) pumpDatagrams() {
	for {
		b, err := d.conn.ReceiveDatagram(context.Background())
		if err != nil {
			d.errc <- err
			return
		}
		select {
		case d.out <- Source{Kind: SourceDatagram, Datagram: b}:
		case <-d.done:
			return
		}
	}
}
