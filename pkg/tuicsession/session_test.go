package tuicsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

// startEchoServer binds a UDP socket that echoes every datagram it
// receives back to its sender, and returns its address.
func startEchoServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(buf[:n], from)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestSendReceivesEchoBack(t *testing.T) {
	echoAddr := startEchoServer(t)
	addr := tuicproto.NewIPAddr(echoAddr.IP, uint16(echoAddr.Port))

	var sawErr error
	m := NewMap(2048, func(_ uint16, err error) { sawErr = err })
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m.Send(ctx, 1, []byte("ping"), addr)

	select {
	case in := <-m.Recv():
		require.Equal(t, uint16(1), in.AssocID)
		require.Equal(t, []byte("ping"), in.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
	require.NoError(t, sawErr)
}

func TestSendReusesExistingSession(t *testing.T) {
	echoAddr := startEchoServer(t)
	addr := tuicproto.NewIPAddr(echoAddr.IP, uint16(echoAddr.Port))

	m := NewMap(2048, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m.Send(ctx, 9, []byte("a"), addr)
	<-m.Recv()

	m.mu.Lock()
	first := m.sessions[9]
	m.mu.Unlock()

	m.Send(ctx, 9, []byte("b"), addr)
	<-m.Recv()

	m.mu.Lock()
	second := m.sessions[9]
	m.mu.Unlock()

	require.Same(t, first, second)
}

func TestDissociateRemovesSession(t *testing.T) {
	echoAddr := startEchoServer(t)
	addr := tuicproto.NewIPAddr(echoAddr.IP, uint16(echoAddr.Port))

	m := NewMap(2048, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m.Send(ctx, 3, []byte("x"), addr)
	<-m.Recv()

	m.Dissociate(3)

	m.mu.Lock()
	_, ok := m.sessions[3]
	m.mu.Unlock()
	require.False(t, ok)
}
