package tuicpacket

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

func TestSplitSingleFragmentWhenPayloadFits(t *testing.T) {
	addr := tuicproto.NewIPAddr(net.IPv4(1, 2, 3, 4), 53)
	frags := Split(1, 1, addr, []byte("small payload"), 1500)

	require.Len(t, frags, 1)
	assert.Equal(t, uint8(1), frags[0].Cmd.FragTotal)
	assert.Equal(t, uint8(0), frags[0].Cmd.FragID)
	assert.Equal(t, addr, frags[0].Cmd.Addr)
	assert.Equal(t, []byte("small payload"), frags[0].Payload)
}

func TestSplitCountMatchesCapacityFormula(t *testing.T) {
	addr := tuicproto.NewDomainAddr("example.com", 443)
	maxDatagramSize := 64

	header := 2 + tuicproto.PacketHeaderLen
	firstCap := maxDatagramSize - header - addr.SerializedLen()
	laterCap := maxDatagramSize - header - tuicproto.NoneAddr.SerializedLen()

	payload := make([]byte, firstCap+laterCap*2+3)
	for i := range payload {
		payload[i] = byte(i)
	}

	frags := Split(5, 9, addr, payload, maxDatagramSize)

	wantTotal := fragmentCount(len(payload), firstCap, laterCap)
	require.Len(t, frags, wantTotal)

	var sizeSum uint16
	for i, f := range frags {
		assert.Equal(t, uint8(wantTotal), f.Cmd.FragTotal)
		assert.Equal(t, uint8(i), f.Cmd.FragID)
		assert.Equal(t, uint16(len(f.Payload)), f.Cmd.Size, "fragment %d: Size must equal its own chunk length, not the total payload length", i)
		assert.Equal(t, uint16(5), f.Cmd.AssocID)
		assert.Equal(t, uint16(9), f.Cmd.PacketID)
		if i == 0 {
			assert.Equal(t, addr, f.Cmd.Addr)
			assert.LessOrEqual(t, len(f.Payload), firstCap)
		} else {
			assert.Equal(t, tuicproto.NoneAddr, f.Cmd.Addr)
			assert.LessOrEqual(t, len(f.Payload), laterCap)
		}
		sizeSum += f.Cmd.Size
	}
	assert.Equal(t, uint16(len(payload)), sizeSum, "sum of fragment Size values must equal the reassembled payload length")
}

func TestSplitReassemblesToOriginalPayload(t *testing.T) {
	addr := tuicproto.NewIPAddr(net.ParseIP("2001:db8::1"), 8080)
	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	frags := Split(2, 2, addr, payload, 80)
	require.NotEmpty(t, frags)

	b := NewBuffer()
	var got *Reassembled
	for _, f := range frags {
		var err error
		got, err = b.Insert(f.Cmd.AssocID, f.Cmd.PacketID, f.Cmd.FragTotal, f.Cmd.FragID, f.Cmd.Addr, f.Payload)
		require.NoError(t, err)
	}

	require.NotNil(t, got)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, addr, got.Addr)
}

// TestSplitNativeStreamRoundTrip mirrors how a uni-stream receiver consumes
// a fragment: it reads the Packet command, then exactly cmd.Size bytes as
// the payload (pkg/tuicserver/connection.go and pkg/tuicclient/session.go
// both do io.ReadFull(stream, make([]byte, cmd.Size))). If Size ever
// regresses to the total payload length instead of the chunk length, every
// non-first fragment's read comes up short and this test catches it.
func TestSplitNativeStreamRoundTrip(t *testing.T) {
	addr := tuicproto.NewIPAddr(net.IPv4(10, 0, 0, 1), 9000)
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	frags := Split(3, 4, addr, payload, 1200)
	require.Greater(t, len(frags), 1, "fixture must actually exercise multiple fragments")

	b := NewBuffer()
	var got *Reassembled
	for _, f := range frags {
		// Simulate the wire: a stream carries a Size field and then
		// exactly Size bytes of payload, nothing more.
		streamPayload := make([]byte, f.Cmd.Size)
		n, err := io.ReadFull(readerOf(f.Payload), streamPayload)
		require.NoError(t, err)
		require.Equal(t, int(f.Cmd.Size), n)

		var insErr error
		got, insErr = b.Insert(f.Cmd.AssocID, f.Cmd.PacketID, f.Cmd.FragTotal, f.Cmd.FragID, f.Cmd.Addr, streamPayload)
		require.NoError(t, insErr)
	}

	require.NotNil(t, got)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, addr, got.Addr)
}

func readerOf(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct{ b []byte }

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

func TestSplitReturnsNilWhenDatagramTooSmallForHeader(t *testing.T) {
	addr := tuicproto.NewDomainAddr("a-very-long-domain-name.example.com", 443)
	frags := Split(1, 1, addr, []byte("x"), 8)
	assert.Nil(t, frags)
}
