// Package tuicpacket implements the per-connection UDP packet reassembly
// table (spec.md §4.2) and the outbound fragment splitter (spec.md §4.3).
package tuicpacket

import (
	"sync"
	"time"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

// Reassembled is the payload and origin address recovered once every
// fragment of one (assocID, pktID) has arrived.
type Reassembled struct {
	AssocID uint16
	PktID   uint16
	Addr    tuicproto.Address
	Payload []byte
}

type slotKey struct {
	assocID uint16
	pktID   uint16
}

type slot struct {
	fragTotal  uint8
	addr       tuicproto.Address
	fragments  [][]byte
	filled     int
	lastTouch  time.Time
}

// Buffer is the reassembly table shared by every receive path of one QUIC
// connection: uni-streams in Native mode and datagrams in Quic mode both
// feed the same Buffer, since reassembly is mode-agnostic (spec.md §4.6).
//
// Buffer is guarded by a short-held lock; it is never held across I/O
// (spec.md §5).
type Buffer struct {
	mu    sync.Mutex
	slots map[slotKey]*slot
}

// NewBuffer returns an empty reassembly table.
func NewBuffer() *Buffer {
	return &Buffer{slots: make(map[slotKey]*slot)}
}

// Insert records one fragment. If fragID is invalid for the slot's
// frag_total, an error is returned and the fragment is discarded. A
// duplicate frag_id within a slot replaces the earlier payload, since
// packets are idempotent by id (spec.md §4.2). Insert returns the
// reassembled packet once the slot's frag_total fragments have all
// arrived, and nil before that; the slot is removed from the table at that
// point.
func (b *Buffer) Insert(assocID, pktID uint16, fragTotal, fragID uint8, addr tuicproto.Address, payload []byte) (*Reassembled, error) {
	if fragID >= fragTotal {
		return nil, ErrInvalidFragment
	}

	key := slotKey{assocID, pktID}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.slots[key]
	if !ok {
		s = &slot{
			fragTotal: fragTotal,
			fragments: make([][]byte, fragTotal),
		}
		b.slots[key] = s
	}

	if s.fragments[fragID] == nil {
		s.filled++
	}
	s.fragments[fragID] = payload
	s.lastTouch = time.Now()
	if fragID == 0 {
		s.addr = addr
	}

	if s.filled < int(s.fragTotal) {
		return nil, nil
	}

	delete(b.slots, key)

	total := 0
	for _, f := range s.fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range s.fragments {
		out = append(out, f...)
	}

	return &Reassembled{AssocID: assocID, PktID: pktID, Addr: s.addr, Payload: out}, nil
}

// DropAssoc removes every in-progress reassembly slot for assocID, so a
// packet whose earlier fragments were dropped is never emitted. DropAssoc
// keeps no record of the dropped id: a fragment that arrives afterward for
// the same id is inserted as usual into a fresh slot, which stays in the
// table until it completes, is removed by Expire or Clear, or the id is
// dropped again.
func (b *Buffer) DropAssoc(assocID uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.slots {
		if key.assocID == assocID {
			delete(b.slots, key)
		}
	}
}

// Clear drops every reassembly slot. Called on connection termination.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = make(map[slotKey]*slot)
}

// Expire removes slots untouched for longer than maxAge. Partial slots left
// behind by a peer that never completes a fragmented packet would otherwise
// live for the lifetime of the connection.
func (b *Buffer) Expire(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, s := range b.slots {
		if s.lastTouch.Before(cutoff) {
			delete(b.slots, key)
		}
	}
}

// Len reports the number of in-progress reassembly slots. Exposed for
// tests and diagnostics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
