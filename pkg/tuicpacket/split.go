package tuicpacket

import "github.com/buhuipao/tuic/pkg/tuicproto"

// Fragment is one outbound slice of an associated UDP datagram, paired with
// the Packet command that must precede it on the wire.
type Fragment struct {
	Cmd     tuicproto.Command
	Payload []byte
}

// Split lays out payload as the fragments of one associated datagram sent
// to addr, following the capacity formula of spec.md §4.3: the first
// fragment's command carries addr and so has less room for payload than
// every later fragment, whose command carries tuicproto.NoneAddr.
//
// maxDatagramSize is the transport's maximum datagram/stream-chunk size
// available to carry one encoded Packet command plus its payload; it must
// be large enough to hold the first fragment's header plus at least one
// payload byte, or Split returns a nil slice.
func Split(assocID, pktID uint16, addr tuicproto.Address, payload []byte, maxDatagramSize int) []Fragment {
	header := 2 + tuicproto.PacketHeaderLen // version+type, then the fixed Packet fields

	firstCap := maxDatagramSize - header - addr.SerializedLen()
	laterCap := maxDatagramSize - header - tuicproto.NoneAddr.SerializedLen()
	if firstCap <= 0 || laterCap <= 0 {
		return nil
	}

	total := fragmentCount(len(payload), firstCap, laterCap)
	if total == 0 {
		total = 1
	}

	fragments := make([]Fragment, 0, total)

	pos := 0
	for fragID := 0; fragID < total; fragID++ {
		room := laterCap
		fragAddr := tuicproto.NoneAddr
		if fragID == 0 {
			room = firstCap
			fragAddr = addr
		}

		end := pos + room
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[pos:end]
		pos = end

		fragments = append(fragments, Fragment{
			Cmd:     tuicproto.NewPacket(assocID, pktID, uint8(total), uint8(fragID), uint16(len(chunk)), fragAddr),
			Payload: chunk,
		})
	}

	return fragments
}

// fragmentCount mirrors the Rust original's ExactSizeIterator length
// computation for SplitPacket: one first fragment of firstCap bytes, then
// as many laterCap-sized fragments as needed for what remains.
func fragmentCount(payloadLen, firstCap, laterCap int) int {
	if payloadLen <= firstCap {
		return 1
	}
	remaining := payloadLen - firstCap
	later := remaining / laterCap
	if remaining%laterCap != 0 {
		later++
	}
	return 1 + later
}
