package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/hexwren/gearbit/internal/bitfield"
	"github.com/hexwren/gearbit/internal/config"
	"github.com/hexwren/gearbit/internal/meta"
	"github.com/hexwren/gearbit/internal/peerconn"
	"github.com/hexwren/gearbit/internal/piece"
	"github.com/hexwren/gearbit/internal/registry"
	"github.com/hexwren/gearbit/internal/tracker"
)

// Torrent orchestrates one download: it owns the tracker client, the
// piece manager, and the set of live peer connections, and drives the
// scheduling loop that drains block requests to unchoked peers.
type Torrent struct {
	infoHash  [sha1.Size]byte
	name      string
	totalSize int64
	saveDir   string

	cfg      *config.Config
	clientID [sha1.Size]byte
	log      *slog.Logger

	tracker *tracker.Tracker
	pieces  *piece.Manager

	connsMu sync.Mutex
	conns   map[netip.AddrPort]*peerconn.Conn

	cancel context.CancelFunc
}

func newTorrent(mi *meta.Metainfo, saveDir string, cfg *config.Config, clientID [sha1.Size]byte, log *slog.Logger) (*Torrent, error) {
	pm, err := piece.NewManager(mi.Info.Pieces, int64(mi.Info.PieceLength), mi.Size(), piece.Options{
		Name:           mi.Info.Name,
		Files:          mi.Info.Files,
		SaveDir:        saveDir,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: piece manager: %w", err)
	}

	tr, err := tracker.New(mi.Announce, mi.AnnounceList, tracker.Opts{
		Log:                 log,
		MinAnnounceInterval: cfg.MinAnnounceInterval,
		MaxAnnounceBackoff:  cfg.MaxAnnounceBackoff,
		RequestTimeout:      cfg.TrackerRequestTimeout,
	})
	if err != nil {
		_ = pm.Close()
		return nil, fmt.Errorf("engine: tracker: %w", err)
	}

	return &Torrent{
		infoHash:  mi.InfoHash,
		name:      mi.Info.Name,
		totalSize: mi.Size(),
		saveDir:   saveDir,
		cfg:       cfg,
		clientID:  clientID,
		log:       log.With("torrent", mi.Info.Name),
		tracker:   tr,
		pieces:    pm,
		conns:     make(map[netip.AddrPort]*peerconn.Conn),
	}, nil
}

func (t *Torrent) initialRow() registry.TaskRow {
	return registry.TaskRow{
		InfoHash:  t.infoHash,
		Name:      t.name,
		Status:    registry.StatusQueued,
		TotalSize: t.totalSize,
		SavePath:  t.saveDir,
		AddedAt:   time.Now(),
	}
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() [sha1.Size]byte { return t.infoHash }

// Run consults the tracker, fans out peer connections, and drives the
// scheduling loop until ctx is cancelled or the torrent completes. It
// always closes the piece manager's file handles before returning.
func (t *Torrent) Run(ctx context.Context, store registry.TaskStore) error {
	defer t.pieces.Close()

	params := &tracker.AnnounceParams{
		InfoHash: t.infoHash,
		PeerID:   t.clientID,
		Left:     uint64(t.totalSize),
		Event:    tracker.EventStarted,
		NumWant:  t.cfg.NumWant,
		Port:     t.cfg.Port,
	}

	resp, err := t.tracker.Announce(ctx, params)
	if err != nil || len(resp.Peers) == 0 {
		row, getErr := store.Get(t.infoHash)
		if getErr == nil {
			row.Status = registry.StatusError
			row.ErrorMessage = "No peers available"
			_ = store.Save(row)
		}
		t.log.Warn("no peers from tracker", "error", err)
		return nil
	}

	row, err := store.Get(t.infoHash)
	if err == nil {
		row.Status = registry.StatusDownloading
		_ = store.Save(row)
	}

	peers := resp.Peers
	if max := t.cfg.MaxPeers; max > 0 && len(peers) > max {
		peers = peers[:max]
	}

	peerCtx, cancelPeers := context.WithCancel(ctx)
	defer cancelPeers()

	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr netip.AddrPort) {
			defer wg.Done()
			t.runPeer(peerCtx, addr)
		}(addr)
	}

	err = t.schedulingLoop(ctx, store)

	cancelPeers()
	t.closeAllConns()
	wg.Wait()

	return err
}

func (t *Torrent) runPeer(ctx context.Context, addr netip.AddrPort) {
	conn, err := peerconn.Dial(ctx, addr, peerconn.Options{
		Log:               t.log,
		InfoHash:          t.infoHash,
		ClientID:          t.clientID,
		PieceCount:        t.pieces.NumPieces(),
		DialTimeout:       t.cfg.DialTimeout,
		ReadTimeout:       t.cfg.ReadTimeout,
		WriteTimeout:      t.cfg.WriteTimeout,
		KeepAliveInterval: t.cfg.KeepAliveInterval,
		OnUnchoked: func(a netip.AddrPort) {
			t.requestFromPeer(a)
		},
		OnPiece: func(a netip.AddrPort, index int, begin int64, data []byte) {
			if err := t.pieces.AddBlock(a.String(), index, begin, data); err != nil {
				t.log.Debug("add block failed", "peer", a, "error", err)
			}
		},
		OnDisconnect: func(a netip.AddrPort) {
			t.pieces.UnassignPeer(a.String())
			t.removeConn(a)
		},
	})
	if err != nil {
		t.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}

	t.addConn(conn)
	conn.SendBitfield(t.pieces.Bitfield())

	_ = conn.Run(ctx)
}

// requestFromPeer drains one pass of block requests to a single peer,
// called as soon as it unchokes us so the first pass doesn't wait for
// the scheduling ticker.
func (t *Torrent) requestFromPeer(addr netip.AddrPort) {
	conn, ok := t.getConn(addr)
	if !ok {
		return
	}
	t.drainToConn(conn)
}

// schedulingLoop drains block requests to every unchoked peer on a
// fixed cadence, refreshes the task row with progress/speed/ETA, honors
// an external pause request, and detects completion and stall.
func (t *Torrent) schedulingLoop(ctx context.Context, store registry.TaskStore) error {
	interval := t.cfg.PassInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastDownloaded := t.pieces.DownloadedBytes()
	lastSample := time.Now()
	var speedEMA float64
	stallPasses := 0
	announced := bitfield.New(t.pieces.NumPieces())

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			row, err := store.Get(t.infoHash)
			if err == nil && row.Status == registry.StatusPaused {
				continue
			}

			for _, conn := range t.snapshotConns() {
				t.drainToConn(conn)
			}
			t.broadcastNewHaves(announced)

			downloaded := t.pieces.DownloadedBytes()
			now := time.Now()
			elapsed := now.Sub(lastSample).Seconds()
			if elapsed <= 0 {
				elapsed = interval.Seconds()
			}

			instRate := float64(downloaded-lastDownloaded) / elapsed
			const alpha = 0.3
			speedEMA = alpha*instRate + (1-alpha)*speedEMA

			if downloaded == lastDownloaded {
				stallPasses++
			} else {
				stallPasses = 0
			}
			if t.cfg.StallPasses > 0 && stallPasses == t.cfg.StallPasses {
				t.log.Warn("torrent stalled", "passes", stallPasses)
			}

			lastDownloaded = downloaded
			lastSample = now

			if err == nil {
				row.Progress = t.pieces.Progress()
				row.Downloaded = downloaded
				row.DownloadSpeed = uint64(speedEMA)
				row.ETA = eta(t.totalSize-downloaded, speedEMA)
				_ = store.Save(row)
			}

			if t.pieces.IsComplete() {
				if cerr := t.pieces.Close(); cerr != nil {
					t.log.Error("close piece files", "error", cerr)
				}
				if err == nil {
					row.Status = registry.StatusCompleted
					row.Progress = 100
					row.CompletedAt = time.Now()
					_ = store.Save(row)
				}
				return nil
			}
		}
	}
}

func eta(remaining int64, rate float64) time.Duration {
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/rate) * time.Second
}

func (t *Torrent) drainToConn(conn *peerconn.Conn) {
	if conn.PeerChoking() {
		return
	}

	max := t.cfg.BlocksPerPeerPerPass
	if max <= 0 {
		max = 10
	}

	reqs := t.pieces.NextRequests(conn.Bitfield(), conn.Addr().String(), max)
	for _, r := range reqs {
		conn.SendRequest(r.Index, r.Begin, r.Length)
	}
}

// broadcastNewHaves sends Have for every piece index that became done
// since the last call, to every currently connected peer. announced
// records which indices have already been broadcast; pieces can
// complete out of order, so a bitmask is kept rather than a watermark.
func (t *Torrent) broadcastNewHaves(announced bitfield.Bitfield) {
	bf := t.pieces.Bitfield()
	n := t.pieces.NumPieces()

	conns := t.snapshotConns()
	for i := 0; i < n; i++ {
		if !bf.Has(i) || announced.Has(i) {
			continue
		}
		announced.Set(i)
		for _, conn := range conns {
			conn.SendHave(i)
		}
	}
}

func (t *Torrent) addConn(conn *peerconn.Conn) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	t.conns[conn.Addr()] = conn
}

func (t *Torrent) removeConn(addr netip.AddrPort) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	delete(t.conns, addr)
}

func (t *Torrent) getConn(addr netip.AddrPort) (*peerconn.Conn, bool) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	c, ok := t.conns[addr]
	return c, ok
}

func (t *Torrent) snapshotConns() []*peerconn.Conn {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()
	out := make([]*peerconn.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *Torrent) closeAllConns() {
	for _, c := range t.snapshotConns() {
		c.Close()
	}
}
