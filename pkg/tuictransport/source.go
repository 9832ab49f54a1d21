// Package tuictransport wraps github.com/quic-go/quic-go into the three
// task sources spec.md §4.5 requires a connection to fairly merge:
// bidirectional streams, unidirectional streams, and datagrams.
package tuictransport

import "github.com/quic-go/quic-go"

// SourceKind identifies which of the three accepted shapes a Source holds.
type SourceKind int

const (
	SourceBiStream SourceKind = iota
	SourceUniStream
	SourceDatagram
)

// Source is one incoming unit of work handed to a connection's task
// dispatcher. Exactly one field is populated, per Kind.
type Source struct {
	Kind SourceKind

	Bi       quic.Stream
	Uni      quic.ReceiveStream
	Datagram []byte
}
