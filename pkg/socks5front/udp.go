package socks5front

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/buhuipao/tuic/pkg/logger"
	"github.com/buhuipao/tuic/pkg/tuicclient"
)

// handleUDPAssociate implements RFC 1928 §7's UDP ASSOCIATE: bind a local
// UDP relay socket, report it in the reply, then forward datagrams between
// the SOCKS5 client and a tuicclient UDP association for as long as the
// control connection stays open (closing it tears the association down,
// the same contract go-socks5 callers expect).
func (s *Server) handleUDPAssociate(ctrl net.Conn) {
	host, _, _ := net.SplitHostPort(ctrl.LocalAddr().String())
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host)})
	if err != nil {
		logger.Error("socks5front: udp associate bind failed", "err", err)
		writeReply(ctrl, replyGeneralFailure, "0.0.0.0:0")
		return
	}
	defer udpConn.Close()

	if err := writeReply(ctrl, replySucceeded, udpConn.LocalAddr().String()); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assoc, err := s.client.OpenAssociation(ctx)
	if err != nil {
		logger.Error("socks5front: open association failed", "err", err)
		return
	}
	defer assoc.Close(context.Background())

	logger.Info("socks5front: udp associate started", "assoc_id", assoc.ID(), "relay_addr", udpConn.LocalAddr().String())

	var mu sync.Mutex
	var clientAddr *net.UDPAddr

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		udpFromClient(ctx, udpConn, assoc, &mu, &clientAddr)
	}()

	go func() {
		defer wg.Done()
		udpToClient(ctx, udpConn, assoc, &mu, &clientAddr)
	}()

	// Any activity (or failure) on the control connection ends the
	// association; a single byte read blocks until the client closes it.
	buf := make([]byte, 1)
	ctrl.Read(buf)
	cancel()
	udpConn.Close()
	wg.Wait()
}

// udpFromClient reads SOCKS5 UDP request datagrams off udpConn and relays
// each one's payload through assoc, recording the source address of the
// most recent well-formed packet so replies can find their way back.
func udpFromClient(ctx context.Context, udpConn *net.UDPConn, assoc *tuicclient.Association, mu *sync.Mutex, clientAddr **net.UDPAddr) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 4 {
			continue // shorter than RSV(2)+FRAG(1)+ATYP(1)
		}
		if buf[2] != 0x00 {
			logger.Debug("socks5front: dropping fragmented udp datagram")
			continue
		}

		mu.Lock()
		*clientAddr = from
		mu.Unlock()

		body := buf[4:n]
		r := bytes.NewReader(body)
		addr, err := readSocksAddress(r, buf[3])
		if err != nil {
			logger.Debug("socks5front: udp datagram address decode failed", "err", err)
			continue
		}
		consumed := len(body) - r.Len()
		payload := append([]byte(nil), body[consumed:]...)

		if err := assoc.Send(ctx, addr, payload); err != nil {
			logger.Debug("socks5front: udp relay send failed", "err", err)
			return
		}
	}
}

// udpToClient drains reassembled replies from assoc and writes each one back
// to the SOCKS5 client as a UDP request datagram, once its address is known.
func udpToClient(ctx context.Context, udpConn *net.UDPConn, assoc *tuicclient.Association, mu *sync.Mutex, clientAddr **net.UDPAddr) {
	for {
		select {
		case <-ctx.Done():
			return
		case reassembled, ok := <-assoc.Recv():
			if !ok {
				return
			}

			mu.Lock()
			to := *clientAddr
			mu.Unlock()
			if to == nil {
				continue // no client datagram seen yet, nowhere to reply
			}

			out := []byte{0x00, 0x00, 0x00}
			out = appendSocksAddress(out, reassembled.Addr)
			out = append(out, reassembled.Payload...)

			if _, err := udpConn.WriteToUDP(out, to); err != nil {
				logger.Debug("socks5front: udp relay write failed", "err", err)
				return
			}
		}
	}
}
