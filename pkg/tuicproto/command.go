package tuicproto

import (
	"encoding/binary"
	"io"
)

// Version is the fixed first byte of every command frame.
const Version uint8 = 0x05

// Command type codes, per spec.md §3.
const (
	TypeAuthenticate uint8 = 0x00
	TypeConnect      uint8 = 0x01
	TypePacket       uint8 = 0x02
	TypeDissociate   uint8 = 0x03
	TypeHeartbeat    uint8 = 0x04
)

// TokenSize is the fixed length, in bytes, of the Authenticate token (the
// BLAKE3-256 digest of the shared token string).
const TokenSize = 32

// PacketHeaderLen is the length of a Packet command's fixed-size fields, not
// counting the 2-byte version+type header nor the variable-length Address
// that follows them. pkg/tuicpacket uses this to size outbound fragments.
const PacketHeaderLen = 2 + 2 + 1 + 1 + 2

const packetHeaderLen = PacketHeaderLen

// Command is the tagged union of the five TUIC command variants. Exactly one
// of the typed fields is meaningful, selected by Type.
type Command struct {
	Type uint8

	// Authenticate
	Token [TokenSize]byte

	// Connect
	Addr Address

	// Packet
	AssocID   uint16
	PacketID  uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	// Addr is reused for Packet's address field too.

	// Dissociate
	DissociateID uint16
}

// NewAuthenticate builds an Authenticate command carrying the given
// 32-byte token digest.
func NewAuthenticate(token [TokenSize]byte) Command {
	return Command{Type: TypeAuthenticate, Token: token}
}

// NewConnect builds a Connect command.
func NewConnect(addr Address) Command {
	return Command{Type: TypeConnect, Addr: addr}
}

// NewPacket builds a Packet command.
func NewPacket(assocID, pktID uint16, fragTotal, fragID uint8, size uint16, addr Address) Command {
	return Command{
		Type:      TypePacket,
		AssocID:   assocID,
		PacketID:  pktID,
		FragTotal: fragTotal,
		FragID:    fragID,
		Size:      size,
		Addr:      addr,
	}
}

// NewDissociate builds a Dissociate command.
func NewDissociate(assocID uint16) Command {
	return Command{Type: TypeDissociate, DissociateID: assocID}
}

// NewHeartbeat builds the empty-body Heartbeat command.
func NewHeartbeat() Command {
	return Command{Type: TypeHeartbeat}
}

// SerializedLen returns the exact byte length Encode would produce for c,
// without allocating. It must agree with len(Encode(c)) per spec.md §8.
func (c Command) SerializedLen() int {
	const header = 2 // version + type code
	switch c.Type {
	case TypeAuthenticate:
		return header + TokenSize
	case TypeConnect:
		return header + c.Addr.SerializedLen()
	case TypePacket:
		return header + packetHeaderLen + c.Addr.SerializedLen()
	case TypeDissociate:
		return header + 2
	case TypeHeartbeat:
		return header
	default:
		return header
	}
}

// Encode appends the wire encoding of c to dst and returns the result.
func (c Command) Encode(dst []byte) []byte {
	dst = append(dst, Version, c.Type)

	switch c.Type {
	case TypeAuthenticate:
		dst = append(dst, c.Token[:]...)

	case TypeConnect:
		dst = c.Addr.Encode(dst)

	case TypePacket:
		var buf [packetHeaderLen]byte
		binary.BigEndian.PutUint16(buf[0:2], c.AssocID)
		binary.BigEndian.PutUint16(buf[2:4], c.PacketID)
		buf[4] = c.FragTotal
		buf[5] = c.FragID
		binary.BigEndian.PutUint16(buf[6:8], c.Size)
		dst = append(dst, buf[:]...)
		dst = c.Addr.Encode(dst)

	case TypeDissociate:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], c.DissociateID)
		dst = append(dst, buf[:]...)

	case TypeHeartbeat:
		// empty body

	default:
		// unknown type codes cannot be produced by the constructors above;
		// encode the header only.
	}

	return dst
}

// Decode reads exactly one command frame from r: the 2-byte header, then
// whatever body the type code requires. Short reads surface as the
// underlying io error, per spec.md §4.1.
func Decode(r io.Reader) (Command, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Command{}, err
	}
	if header[0] != Version {
		return Command{}, ErrUnsupportedVersion
	}

	switch header[1] {
	case TypeAuthenticate:
		var token [TokenSize]byte
		if _, err := io.ReadFull(r, token[:]); err != nil {
			return Command{}, err
		}
		return NewAuthenticate(token), nil

	case TypeConnect:
		addr, err := decodeAddressFrom(r)
		if err != nil {
			return Command{}, err
		}
		return NewConnect(addr), nil

	case TypePacket:
		var buf [packetHeaderLen]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Command{}, err
		}
		assocID := binary.BigEndian.Uint16(buf[0:2])
		pktID := binary.BigEndian.Uint16(buf[2:4])
		fragTotal := buf[4]
		fragID := buf[5]
		size := binary.BigEndian.Uint16(buf[6:8])

		addr, err := decodeAddressFrom(r)
		if err != nil {
			return Command{}, err
		}
		return NewPacket(assocID, pktID, fragTotal, fragID, size, addr), nil

	case TypeDissociate:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Command{}, err
		}
		return NewDissociate(binary.BigEndian.Uint16(buf[:])), nil

	case TypeHeartbeat:
		return NewHeartbeat(), nil

	default:
		return Command{}, ErrUnsupportedCommand
	}
}

// decodeAddressFrom reads one tag byte to learn the address's shape, then
// reads exactly the remaining bytes for that shape. Address decoding has no
// length prefix ahead of the tag, so it cannot delegate to DecodeAddress
// (which expects the whole encoding to already be buffered).
func decodeAddressFrom(r io.Reader) (Address, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Address{}, err
	}
	tag := AddrType(tagBuf[0])

	switch tag {
	case AddrTypeNone:
		return Address{Type: AddrTypeNone}, nil

	case AddrTypeDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Address{}, err
		}
		body := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return Address{}, err
		}
		host := body[:len(body)-2]
		if !utf8ValidDomain(host) {
			return Address{}, ErrInvalidEncoding
		}
		port := binary.BigEndian.Uint16(body[len(body)-2:])
		return Address{Type: AddrTypeDomain, Host: string(host), Port: port}, nil

	case AddrTypeIPv4:
		var body [4 + 2]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Address{}, err
		}
		ip := append([]byte(nil), body[:4]...)
		return Address{Type: AddrTypeIPv4, IP: ip, Host: netIPString(ip), Port: binary.BigEndian.Uint16(body[4:])}, nil

	case AddrTypeIPv6:
		var body [16 + 2]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Address{}, err
		}
		ip := append([]byte(nil), body[:16]...)
		return Address{Type: AddrTypeIPv6, IP: ip, Host: netIPString(ip), Port: binary.BigEndian.Uint16(body[16:])}, nil

	default:
		return Address{}, ErrInvalidAddressType
	}
}
