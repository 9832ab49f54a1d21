package socks5front

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

func TestSocksAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr tuicproto.Address
		atyp byte
	}{
		{"domain", tuicproto.NewDomainAddr("example.com", 443), atypDomain},
		{"ipv4", tuicproto.NewIPAddr(net.IPv4(1, 2, 3, 4), 53), atypIPv4},
		{"ipv6", tuicproto.NewIPAddr(net.ParseIP("2001:db8::1"), 8080), atypIPv6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := appendSocksAddress(nil, tt.addr)
			assert.Equal(t, tt.atyp, encoded[0])

			r := bytes.NewReader(encoded[1:])
			decoded, err := readSocksAddress(r, tt.atyp)
			require.NoError(t, err)
			assert.Equal(t, tt.addr.Port, decoded.Port)
			assert.Equal(t, tt.addr.Host, decoded.Host)
		})
	}
}

func TestReadSocksAddressUnsupportedType(t *testing.T) {
	_, err := readSocksAddress(bytes.NewReader(nil), 0x7f)
	require.Error(t, err)
}

func TestReadSocksAddressShortBuffer(t *testing.T) {
	_, err := readSocksAddress(bytes.NewReader([]byte{1, 2, 3}), atypIPv4)
	require.Error(t, err)
}
