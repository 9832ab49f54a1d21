// Package tuicproto implements the TUIC wire codec: command framing and the
// address encoding shared by the Connect and Packet commands.
package tuicproto

import (
	"encoding/binary"
	"fmt"
	"net"
	"unicode/utf8"
)

// AddrType is the one-byte tag preceding an encoded Address.
type AddrType uint8

// Address tag bytes, as specified by the TUIC wire format.
const (
	AddrTypeDomain AddrType = 0x00
	AddrTypeIPv4   AddrType = 0x01
	AddrTypeIPv6   AddrType = 0x02
	AddrTypeNone   AddrType = 0xff
)

// Address is the tagged union of the four address forms a Connect or Packet
// command may carry. A zero-value Address is an AddrTypeDomain address with
// an empty host (its tag is 0x00); use NoneAddr for the None form.
type Address struct {
	Type AddrType
	Host string // domain name, or the dotted/colon IP string
	IP   net.IP // set for AddrTypeIPv4/AddrTypeIPv6
	Port uint16
}

// NoneAddr is the address carried by non-first Packet fragments.
var NoneAddr = Address{Type: AddrTypeNone}

// NewDomainAddr builds a DomainName address.
func NewDomainAddr(host string, port uint16) Address {
	return Address{Type: AddrTypeDomain, Host: host, Port: port}
}

// NewIPAddr builds an IPv4 or IPv6 address depending on the shape of ip.
func NewIPAddr(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrTypeIPv4, IP: v4, Host: v4.String(), Port: port}
	}
	return Address{Type: AddrTypeIPv6, IP: ip.To16(), Host: ip.String(), Port: port}
}

// String renders the address as host:port, or the empty string for None.
func (a Address) String() string {
	if a.Type == AddrTypeNone {
		return ""
	}
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", a.Port))
}

// SerializedLen returns the exact byte length encode would produce, without
// allocating.
func (a Address) SerializedLen() int {
	switch a.Type {
	case AddrTypeNone:
		return 1
	case AddrTypeDomain:
		return 1 + 1 + len(a.Host) + 2
	case AddrTypeIPv4:
		return 1 + net.IPv4len + 2
	case AddrTypeIPv6:
		return 1 + net.IPv6len + 2
	default:
		return 1
	}
}

// Encode appends the wire encoding of a to dst and returns the result.
func (a Address) Encode(dst []byte) []byte {
	dst = append(dst, byte(a.Type))

	switch a.Type {
	case AddrTypeNone:
		return dst
	case AddrTypeDomain:
		dst = append(dst, byte(len(a.Host)))
		dst = append(dst, a.Host...)
	case AddrTypeIPv4:
		ip := a.IP.To4()
		if ip == nil {
			ip = net.IPv4zero.To4()
		}
		dst = append(dst, ip...)
	case AddrTypeIPv6:
		ip := a.IP.To16()
		if ip == nil {
			ip = net.IPv6zero
		}
		dst = append(dst, ip...)
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	return append(dst, portBuf[:]...)
}

// DecodeAddress reads one Address from the front of src and returns it along
// with the number of bytes consumed.
func DecodeAddress(src []byte) (Address, int, error) {
	if len(src) < 1 {
		return Address{}, 0, ErrShortBuffer
	}

	tag := AddrType(src[0])
	switch tag {
	case AddrTypeNone:
		return Address{Type: AddrTypeNone}, 1, nil

	case AddrTypeDomain:
		if len(src) < 2 {
			return Address{}, 0, ErrShortBuffer
		}
		domainLen := int(src[1])
		total := 2 + domainLen + 2
		if len(src) < total {
			return Address{}, 0, ErrShortBuffer
		}
		hostBytes := src[2 : 2+domainLen]
		if !utf8.Valid(hostBytes) {
			return Address{}, 0, ErrInvalidEncoding
		}
		port := binary.BigEndian.Uint16(src[2+domainLen : total])
		return Address{Type: AddrTypeDomain, Host: string(hostBytes), Port: port}, total, nil

	case AddrTypeIPv4:
		total := 1 + net.IPv4len + 2
		if len(src) < total {
			return Address{}, 0, ErrShortBuffer
		}
		ip := net.IP(append([]byte(nil), src[1:1+net.IPv4len]...))
		port := binary.BigEndian.Uint16(src[1+net.IPv4len : total])
		return Address{Type: AddrTypeIPv4, IP: ip, Host: ip.String(), Port: port}, total, nil

	case AddrTypeIPv6:
		total := 1 + net.IPv6len + 2
		if len(src) < total {
			return Address{}, 0, ErrShortBuffer
		}
		ip := net.IP(append([]byte(nil), src[1:1+net.IPv6len]...))
		port := binary.BigEndian.Uint16(src[1+net.IPv6len : total])
		return Address{Type: AddrTypeIPv6, IP: ip, Host: ip.String(), Port: port}, total, nil

	default:
		return Address{}, 0, ErrInvalidAddressType
	}
}
