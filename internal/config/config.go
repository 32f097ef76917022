// Package config holds the engine's internal tunables.
//
// There is no external file format: the settings surface exposed to end
// users is out of scope for this engine, so Config is a plain,
// code-constructed struct rather than something loaded from disk or a
// lazily-initialized global.
package config

import "time"

// Config controls timeouts and fan-out limits for a single torrent
// download. The zero value is not meaningful; use Default.
type Config struct {
	// ========== Networking ==========

	// DialTimeout bounds establishing a new peer TCP connection
	// (including the handshake exchange).
	DialTimeout time.Duration

	// ReadTimeout is the idle read timeout once a peer connection is
	// established.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single write to a peer connection.
	WriteTimeout time.Duration

	// KeepAliveInterval is how often a keep-alive is sent on an
	// otherwise idle peer connection.
	KeepAliveInterval time.Duration

	// Port is the TCP port advertised to trackers.
	Port uint16

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per announce.
	NumWant uint32

	// AnnounceInterval overrides the tracker's suggested interval
	// when non-zero.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a floor between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed
	// announces.
	MaxAnnounceBackoff time.Duration

	// TrackerRequestTimeout bounds a single HTTP announce request.
	TrackerRequestTimeout time.Duration

	// ========== Piece Manager ==========

	// RequestTimeout is how long an assigned block may stay in
	// flight before it is offered to another peer.
	RequestTimeout time.Duration

	// ========== Download Orchestrator ==========

	// MaxPeers is the number of concurrent peer connections a
	// torrent will maintain.
	MaxPeers int

	// BlocksPerPeerPerPass caps how many new requests are sent to a
	// single peer during one scheduling pass.
	BlocksPerPeerPerPass int

	// PassInterval is the sleep between scheduling passes.
	PassInterval time.Duration

	// StallPasses is the number of consecutive passes with no
	// progress before a torrent is considered stalled.
	StallPasses int

	// DefaultDownloadDir is where new downloads are saved by
	// default; callers may override this per torrent.
	DefaultDownloadDir string
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		DialTimeout:           15 * time.Second,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		KeepAliveInterval:     90 * time.Second,
		Port:                  6881,
		NumWant:               50,
		AnnounceInterval:      0,
		MinAnnounceInterval:   20 * time.Minute,
		MaxAnnounceBackoff:    45 * time.Minute,
		TrackerRequestTimeout: 10 * time.Second,
		RequestTimeout:        25 * time.Second,
		MaxPeers:              5,
		BlocksPerPeerPerPass:  10,
		PassInterval:          500 * time.Millisecond,
		StallPasses:           20,
		DefaultDownloadDir:    "./downloads",
	}
}
