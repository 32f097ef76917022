// Package tracker implements the BEP-3 HTTP tracker protocol: announcing
// a torrent's progress across tiered tracker URLs and decoding the peer
// list each tracker returns.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexwren/gearbit/internal/retry"
)

type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	NumWant    uint32
	Port       uint16
}

type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return ""
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// TrackerProtocol is the interface a single tracker URL's client must
// satisfy. Only HTTP/HTTPS is implemented; a udp:// tracker URL parses
// into a tier but never produces a TrackerProtocol, so it is silently
// skipped at announce time (BEP-15 is unimplemented).
type TrackerProtocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

type TrackerMetrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Tracker holds the tiered announce URLs for one torrent and fans out
// announces across them, promoting a tracker to the front of its tier on
// success (BEP-3 tier semantics).
type Tracker struct {
	tiers    [][]*url.URL
	mu       sync.Mutex
	trackers map[string]TrackerProtocol
	log      *slog.Logger
	stats    *Stats

	minAnnounceInterval time.Duration
	maxAnnounceBackoff  time.Duration
	requestTimeout      time.Duration
}

// Opts configures a Tracker.
type Opts struct {
	Log                 *slog.Logger
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	RequestTimeout      time.Duration
}

// New builds a Tracker from a torrent's primary announce URL and its
// announce-list tiers, shuffling the tracker URLs within each tier per BEP-12.
func New(announce string, announceList [][]string, opts Opts) (*Tracker, error) {
	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker", "tiers", len(tiers))

	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	return &Tracker{
		log:                 log,
		tiers:                tiers,
		stats:                &Stats{},
		trackers:             make(map[string]TrackerProtocol),
		minAnnounceInterval: opts.MinAnnounceInterval,
		maxAnnounceBackoff:  opts.MaxAnnounceBackoff,
		requestTimeout:      opts.RequestTimeout,
	}, nil
}

func (t *Tracker) Stats() TrackerMetrics {
	s := t.stats

	lastAnn := s.LastAnnounce.Load()
	lastSuc := s.LastSuccess.Load()

	var lastAnnT, lastSucT time.Time
	if lastAnn > 0 {
		lastAnnT = time.Unix(lastAnn, 0)
	}
	if lastSuc > 0 {
		lastSucT = time.Unix(lastSuc, 0)
	}

	return TrackerMetrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnnT,
		LastSuccess:         lastSucT,
	}
}

// ErrAllTiersExhausted is returned by Announce when every tracker in
// every tier failed or returned no usable response.
var ErrAllTiersExhausted = errors.New("tracker: all tiers exhausted")

// Announce tries each tier in order, trying every tracker within a tier
// before moving to the next. The first tracker to respond successfully
// is promoted to the front of its tier for future announces.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}
			if tr == nil {
				continue // unsupported scheme (e.g. udp://), silently skipped
			}

			reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
			resp, err := tr.Announce(reqCtx, params)
			cancel()
			if err != nil {
				lastErr = err
				t.log.Debug("announce failed", "tier", tierIdx, "url", u.String(), "error", err)
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce success",
				"tier", tierIdx,
				"url", u.String(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = ErrAllTiersExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrAllTiersExhausted, lastErr)
}

// AnnounceWithBackoff retries Announce with exponential backoff until it
// succeeds or ctx is done, invoking onFailure after each failed attempt.
func (t *Tracker) AnnounceWithBackoff(ctx context.Context, params *AnnounceParams, onFailure func(err error)) (*AnnounceResponse, error) {
	var resp *AnnounceResponse

	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := t.Announce(ctx, params)
		if err != nil {
			if onFailure != nil {
				onFailure(err)
			}
			return err
		}
		resp = r
		return nil
	}, retry.WithMaxDelay(t.maxAnnounceBackoff))

	return resp, err
}

// NextInterval derives the next announce interval from a tracker's
// response, honoring the configured floor.
func (t *Tracker) NextInterval(resp *AnnounceResponse) time.Duration {
	interval := 2 * time.Minute
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.minAnnounceInterval > 0 && interval < t.minAnnounceInterval {
		interval = t.minAnnounceInterval
	}
	return interval
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

// getTracker returns the cached TrackerProtocol for u, constructing one
// on first use. It returns (nil, nil) for schemes this engine
// deliberately does not implement (udp), so callers can skip them
// without treating them as a tier failure.
func (t *Tracker) getTracker(u *url.URL) (TrackerProtocol, error) {
	key := u.String()

	t.mu.Lock()
	tr, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return tr, nil
	}

	var tracker TrackerProtocol
	var err error

	switch u.Scheme {
	case "http", "https":
		tracker, err = newHTTPTracker(u, t.log.With("scheme", u.Scheme, "host", u.Host))
	case "udp":
		return nil, nil
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = tracker
	t.mu.Unlock()

	return tracker, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}
