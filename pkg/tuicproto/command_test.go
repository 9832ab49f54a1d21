package tuicproto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr Address
	}{
		{"none", NoneAddr},
		{"domain", NewDomainAddr("example.com", 443)},
		{"empty domain", NewDomainAddr("", 0)},
		{"ipv4", NewIPAddr(net.IPv4(1, 2, 3, 4), 53)},
		{"ipv6", NewIPAddr(net.ParseIP("2001:db8::1"), 8080)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.addr.Encode(nil)
			assert.Len(t, encoded, tt.addr.SerializedLen())

			decoded, n, err := DecodeAddress(encoded)
			require.NoError(t, err)
			assert.Equal(t, len(encoded), n)
			assert.Equal(t, tt.addr, decoded)
		})
	}
}

func TestAddressInvalidUTF8Domain(t *testing.T) {
	// tag=domain, len=2, invalid utf-8 bytes, then a port.
	raw := []byte{byte(AddrTypeDomain), 2, 0xff, 0xfe, 0x00, 0x50}
	_, _, err := DecodeAddress(raw)
	require.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestAddressUnknownTag(t *testing.T) {
	_, _, err := DecodeAddress([]byte{0x7f, 0, 0})
	require.ErrorIs(t, err, ErrInvalidAddressType)
}

func TestAddressShortBuffer(t *testing.T) {
	_, _, err := DecodeAddress([]byte{byte(AddrTypeIPv4), 1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestCommandRoundTrip(t *testing.T) {
	var token [TokenSize]byte
	for i := range token {
		token[i] = byte(i)
	}

	tests := []struct {
		name string
		cmd  Command
	}{
		{"authenticate", NewAuthenticate(token)},
		{"connect domain", NewConnect(NewDomainAddr("example.com", 80))},
		{"connect ipv6", NewConnect(NewIPAddr(net.ParseIP("::1"), 22))},
		{"packet first frag", NewPacket(7, 0, 1, 0, 1000, NewIPAddr(net.IPv4(1, 2, 3, 4), 53))},
		{"packet later frag", NewPacket(7, 0, 4, 2, 512, NoneAddr)},
		{"dissociate", NewDissociate(42)},
		{"heartbeat", NewHeartbeat()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.cmd.Encode(nil)
			assert.Len(t, encoded, tt.cmd.SerializedLen())

			decoded, err := Decode(bytes.NewReader(encoded))
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, decoded)
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	raw := []byte{0x04, TypeHeartbeat}
	_, err := Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeUnsupportedCommand(t *testing.T) {
	raw := []byte{Version, 0x0f}
	_, err := Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrUnsupportedCommand)
}

func TestDecodeShortRead(t *testing.T) {
	raw := []byte{Version, TypeAuthenticate, 1, 2, 3}
	_, err := Decode(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestDecodeIsUTF8InvalidDomainInConnect(t *testing.T) {
	var buf []byte
	buf = append(buf, Version, TypeConnect)
	buf = append(buf, byte(AddrTypeDomain), 2, 0xff, 0xfe, 0, 80)
	_, err := Decode(bytes.NewReader(buf))
	require.ErrorIs(t, err, ErrInvalidEncoding)
}
