package peerconn

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/hexwren/gearbit/internal/protocol"
)

func mustBytes20(s string) [sha1.Size]byte {
	var a [sha1.Size]byte
	copy(a[:], []byte(s))
	return a
}

// listenLoopback starts a listener and returns its address plus the
// accepted connection, handed back over a channel once a dial lands.
func listenLoopback(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	return ln, accepted
}

func TestDial_HandshakeAndUnchoke(t *testing.T) {
	infoHash := mustBytes20("info_hash_1234567890")
	remoteID := mustBytes20("remote_peer_id_______")
	localID := mustBytes20("local_peer_id________")

	ln, accepted := listenLoopback(t)
	defer ln.Close()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}

	unchoked := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dial blocks until the remote side answers the handshake, so the
	// remote exchange runs concurrently with it.
	type exchanged struct {
		conn net.Conn
		err  error
	}
	remoteCh := make(chan exchanged, 1)
	go func() {
		remote := <-accepted
		_, err := (protocol.NewHandshake(infoHash, remoteID)).Exchange(remote, true)
		remoteCh <- exchanged{remote, err}
	}()

	conn, err := Dial(ctx, addr, Options{
		InfoHash:   infoHash,
		ClientID:   localID,
		PieceCount: 4,
		OnUnchoked: func(netip.AddrPort) { unchoked <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	rx := <-remoteCh
	remote := rx.conn
	defer remote.Close()

	if rx.err != nil {
		t.Fatalf("remote handshake exchange: %v", rx.err)
	}

	go func() { _ = conn.Run(ctx) }()

	if err := protocol.WriteMessage(remote, &protocol.Message{ID: protocol.Unchoke}); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	select {
	case <-unchoked:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUnchoked callback never fired")
	}

	if conn.PeerChoking() {
		t.Fatal("PeerChoking() = true after receiving Unchoke")
	}
}

func TestDial_InfoHashMismatch(t *testing.T) {
	infoHash := mustBytes20("info_hash_1234567890")
	otherHash := mustBytes20("a_different_info_hash")
	remoteID := mustBytes20("remote_peer_id_______")

	ln, accepted := listenLoopback(t)
	defer ln.Close()

	addr, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialErr := make(chan error, 1)
	go func() {
		_, err := Dial(ctx, addr, Options{InfoHash: infoHash, ClientID: mustBytes20("local")})
		dialErr <- err
	}()

	remote := <-accepted
	defer remote.Close()

	_, _ = (protocol.NewHandshake(otherHash, remoteID)).Exchange(remote, false)

	if err := <-dialErr; err == nil {
		t.Fatal("Dial succeeded despite info-hash mismatch")
	}
}

func TestHandleMessage_PieceDeliversBlock(t *testing.T) {
	var got []byte
	c := &Conn{
		addr:  netip.MustParseAddrPort("127.0.0.1:6881"),
		stats: &Stats{},
		onPiece: func(_ netip.AddrPort, index int, begin int64, block []byte) {
			got = block
			_ = index
			_ = begin
		},
	}

	msg := protocol.MessagePiece(0, 0, []byte("blockdata"))
	if err := c.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if string(got) != "blockdata" {
		t.Fatalf("onPiece block = %q, want %q", got, "blockdata")
	}
	if c.stats.PiecesReceived.Load() != 1 {
		t.Fatalf("PiecesReceived = %d, want 1", c.stats.PiecesReceived.Load())
	}
}

func TestHandleMessage_HaveSetsBitfieldBit(t *testing.T) {
	c := &Conn{
		addr:     netip.MustParseAddrPort("127.0.0.1:6881"),
		stats:    &Stats{},
		bitfield: make([]byte, 1),
	}

	msg := protocol.MessageHave(3)
	if err := c.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if !c.Bitfield().Has(3) {
		t.Fatal("bit 3 not set after Have message")
	}
}
