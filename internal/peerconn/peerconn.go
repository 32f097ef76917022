// Package peerconn implements one side of the BEP-3 peer-wire protocol:
// dialing a peer, exchanging the handshake, and running the read/write
// loops that turn socket bytes into messages and back.
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexwren/gearbit/internal/bitfield"
	"github.com/hexwren/gearbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// outboundQueueBacklog bounds how many messages can queue for write before
// enqueueMessage starts dropping them. Requests and have-broadcasts are the
// only traffic generated faster than the socket can usually drain them.
const outboundQueueBacklog = 256

// Conn owns one TCP socket to a remote peer for the lifetime of one
// download session. Seeding is out of scope: amChoking is set once at
// construction and never cleared, so this side never uploads a block.
type Conn struct {
	log          *slog.Logger
	conn         net.Conn
	addr         netip.AddrPort
	state        uint32
	stats        *Stats
	bitfieldMu   sync.RWMutex
	bitfield     bitfield.Bitfield
	lastActivity atomic.Int64
	outbox       chan *protocol.Message
	closeOnce    sync.Once
	stopped      atomic.Bool
	cancel       context.CancelFunc

	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAliveInterval time.Duration

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, int)
	onUnchoked   func(netip.AddrPort)
	onPiece      func(netip.AddrPort, int, int64, []byte)
	onDisconnect func(netip.AddrPort)
}

// Stats holds per-connection counters and timestamps. All counters are
// atomic and monotonically increasing for the lifetime of a connection,
// except DownloadRate and UploadRate, which hold the latest smoothed
// bytes-per-second estimate.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	HashMismatches    atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Metrics is a point-in-time snapshot of a connection's stats, safe to
// read without holding any lock on the Conn itself.
type Metrics struct {
	Addr         netip.AddrPort
	Downloaded   uint64
	Uploaded     uint64
	RequestsSent uint64
	LastActive   time.Time
	ConnectedAt  time.Time
	DownloadRate uint64
	UploadRate   uint64
	PeerChoking  bool
	PeerInterest bool
}

// Options configures a dialed Conn. Callbacks are invoked from the read
// loop's goroutine and must not block.
type Options struct {
	Log               *slog.Logger
	InfoHash          [sha1.Size]byte
	ClientID          [sha1.Size]byte
	PieceCount        int
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration

	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnUnchoked   func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int64, []byte)
	OnDisconnect func(netip.AddrPort)
}

// Dial connects to addr, exchanges the handshake, and returns a Conn
// ready to have Run called on it. The info-hash in the peer's handshake
// reply is verified against opts.InfoHash; a mismatch is a fatal error.
func Dial(ctx context.Context, addr netip.AddrPort, opts Options) (*Conn, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peerconn", "addr", addr)

	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 15 * time.Second
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	hs := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peerconn: handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	keepAlive := opts.KeepAliveInterval
	if keepAlive == 0 {
		keepAlive = 90 * time.Second
	}

	c := &Conn{
		log:               log,
		conn:              conn,
		addr:              addr,
		stats:             &Stats{ConnectedAt: time.Now()},
		bitfield:          bitfield.New(opts.PieceCount),
		outbox:            make(chan *protocol.Message, outboundQueueBacklog),
		readTimeout:       readTimeout,
		writeTimeout:      writeTimeout,
		keepAliveInterval: keepAlive,
		onBitfield:        opts.OnBitfield,
		onHave:            opts.OnHave,
		onUnchoked:        opts.OnUnchoked,
		onPiece:           opts.OnPiece,
		onDisconnect:      opts.OnDisconnect,
	}
	c.setState(maskAmChoking|maskPeerChoking, true)
	c.lastActivity.Store(time.Now().UnixNano())

	return c, nil
}

// Run drives the connection's read loop, write loop, and keep-alive
// ticker until ctx is cancelled or any of the three returns an error.
// Run always closes the connection before returning.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.enqueueMessage(protocol.MessageInterested())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.rateLoop(gctx) })

	err := g.Wait()
	if c.onDisconnect != nil {
		c.onDisconnect(c.addr)
	}
	return err
}

// Close releases the socket and outbound queue. Safe to call more than
// once and concurrently with Run.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		close(c.outbox)
		c.stats.DisconnectedAt = time.Now()
		c.log.Debug("connection closed")
	})
}

func (c *Conn) Addr() netip.AddrPort { return c.addr }

// Bitfield returns a snapshot of the pieces this peer has announced
// having, via either the initial bitfield message or subsequent have
// messages.
func (c *Conn) Bitfield() bitfield.Bitfield {
	c.bitfieldMu.RLock()
	defer c.bitfieldMu.RUnlock()
	return bitfield.FromBytes(c.bitfield.Bytes())
}

func (c *Conn) PeerChoking() bool    { return c.getState(maskPeerChoking) }
func (c *Conn) PeerInterested() bool { return c.getState(maskPeerInterested) }
func (c *Conn) AmInterested() bool   { return c.getState(maskAmInterested) }

// SendHave announces that a piece has finished downloading.
func (c *Conn) SendHave(index int) { c.enqueueMessage(protocol.MessageHave(uint32(index))) }

// SendBitfield announces the full set of pieces currently held.
func (c *Conn) SendBitfield(bf bitfield.Bitfield) {
	c.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}

// SendRequest asks the peer for one block. It is a no-op while the peer
// is choking us.
func (c *Conn) SendRequest(index int, begin, length int64) {
	if c.PeerChoking() {
		return
	}
	c.enqueueMessage(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
	c.stats.RequestsSent.Add(1)
}

// SendCancel withdraws a previously sent request, e.g. because another
// peer fulfilled that block first.
func (c *Conn) SendCancel(index int, begin, length int64) {
	c.enqueueMessage(protocol.MessageCancel(uint32(index), uint32(begin), uint32(length)))
}

func (c *Conn) Stats() Metrics {
	return Metrics{
		Addr:         c.addr,
		Downloaded:   c.stats.Downloaded.Load(),
		Uploaded:     c.stats.Uploaded.Load(),
		RequestsSent: c.stats.RequestsSent.Load(),
		LastActive:   time.Unix(0, c.lastActivity.Load()),
		ConnectedAt:  c.stats.ConnectedAt,
		DownloadRate: c.stats.DownloadRate.Load(),
		UploadRate:   c.stats.UploadRate.Load(),
		PeerChoking:  c.PeerChoking(),
		PeerInterest: c.PeerInterested(),
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			c.stats.Errors.Add(1)
			return fmt.Errorf("peerconn: read: %w", err)
		}

		c.stats.MessagesReceived.Add(1)
		c.lastActivity.Store(time.Now().UnixNano())

		if err := c.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-c.outbox:
			if !ok {
				return nil
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := protocol.WriteMessage(c.conn, msg); err != nil {
				c.stats.Errors.Add(1)
				return fmt.Errorf("peerconn: write: %w", err)
			}
			c.onMessageWritten(msg)

		case <-ticker.C:
			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor >= c.keepAliveInterval {
				c.enqueueMessage(nil)
			}
		}
	}
}

// rateLoop maintains an exponentially smoothed bytes/second estimate for
// both directions, sampled once a second from the monotonic byte
// counters. alpha trades reaction speed for smoothness; 0.2 favors a
// steady reading over chasing every burst.
func (c *Conn) rateLoop(ctx context.Context) error {
	const alpha = 0.2

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastDown := c.stats.Downloaded.Load()
	lastUp := c.stats.Uploaded.Load()
	var downEMA, upEMA float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			curDown := c.stats.Downloaded.Load()
			curUp := c.stats.Uploaded.Load()

			instDown := float64(curDown - lastDown)
			instUp := float64(curUp - lastUp)

			downEMA = alpha*instDown + (1-alpha)*downEMA
			upEMA = alpha*instUp + (1-alpha)*upEMA

			c.stats.DownloadRate.Store(uint64(downEMA))
			c.stats.UploadRate.Store(uint64(upEMA))

			lastDown, lastUp = curDown, curUp
		}
	}
}

func (c *Conn) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		c.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		wasChoking := c.getState(maskPeerChoking)
		c.setState(maskPeerChoking, false)
		if wasChoking && c.onUnchoked != nil {
			c.onUnchoked(c.addr)
		}

	case protocol.Interested:
		c.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		c.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		c.bitfieldMu.Lock()
		c.bitfield = bf
		c.bitfieldMu.Unlock()
		if c.onBitfield != nil {
			c.onBitfield(c.addr, bf)
		}

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peerconn: malformed have")
		}
		c.bitfieldMu.Lock()
		c.bitfield.Set(int(index))
		c.bitfieldMu.Unlock()
		if c.onHave != nil {
			c.onHave(c.addr, int(index))
		}

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peerconn: malformed piece")
		}
		c.stats.PiecesReceived.Add(1)
		c.stats.Downloaded.Add(uint64(len(block)))
		if c.onPiece != nil {
			c.onPiece(c.addr, int(index), int64(begin), block)
		}

	case protocol.Request:
		_, _, _, ok := msg.ParseRequest()
		if !ok {
			return errors.New("peerconn: malformed request")
		}
		c.stats.RequestsReceived.Add(1)
		// Seeding is out of scope: amChoking never clears, so this
		// peer never receives a piece in response.

	case protocol.Cancel:
		c.stats.RequestsCancelled.Add(1)

	default:
		return fmt.Errorf("peerconn: unknown message id %d", msg.ID)
	}

	return nil
}

func (c *Conn) onMessageWritten(msg *protocol.Message) {
	c.stats.MessagesSent.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())

	if msg == nil {
		return
	}

	switch msg.ID {
	case protocol.Interested:
		c.setState(maskAmInterested, true)
	case protocol.NotInterested:
		c.setState(maskAmInterested, false)
	case protocol.Cancel:
		c.stats.RequestsCancelled.Add(1)
	}
}

func (c *Conn) enqueueMessage(msg *protocol.Message) bool {
	if c.stopped.Load() {
		return false
	}
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) getState(mask uint32) bool { return atomic.LoadUint32(&c.state)&mask != 0 }

func (c *Conn) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&c.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&c.state, old, next) {
			return
		}
	}
}
