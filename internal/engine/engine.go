// Package engine orchestrates one or more torrent downloads: consulting
// the tracker, fanning out peer connections, and draining the piece
// manager's scheduling queue to them until a torrent completes.
package engine

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hexwren/gearbit/internal/clientid"
	"github.com/hexwren/gearbit/internal/config"
	"github.com/hexwren/gearbit/internal/meta"
	"github.com/hexwren/gearbit/internal/registry"
)

// Engine is a process-wide value holding every active torrent. It keeps
// no state outside what is reachable from a constructed *Engine; there
// is no package-level singleton.
type Engine struct {
	cfg      *config.Config
	store    registry.TaskStore
	clientID [sha1.Size]byte
	log      *slog.Logger

	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
}

// New constructs an Engine. cfg may be nil, in which case
// config.Default() is used.
func New(cfg *config.Config, store registry.TaskStore, log *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: task store is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}

	id, err := clientid.Generate()
	if err != nil {
		return nil, fmt.Errorf("engine: generate client id: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		store:    store,
		clientID: id,
		log:      log.With("component", "engine"),
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

// ErrAlreadyAdded is returned by AddTorrent when the info hash is
// already tracked by this engine.
var ErrAlreadyAdded = errors.New("engine: torrent already added")

// AddTorrent registers mi for download under saveDir and starts its
// orchestration loop in a new goroutine. The returned Torrent can be
// used to observe or cancel it; the task's lifecycle is otherwise
// visible through the registry.TaskStore passed to New.
func (e *Engine) AddTorrent(ctx context.Context, mi *meta.Metainfo, saveDir string) (*Torrent, error) {
	e.mu.Lock()
	if _, exists := e.torrents[mi.InfoHash]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyAdded
	}

	t, err := newTorrent(mi, saveDir, e.cfg, e.clientID, e.log)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.torrents[mi.InfoHash] = t
	e.mu.Unlock()

	if err := e.store.Create(t.initialRow()); err != nil {
		e.mu.Lock()
		delete(e.torrents, mi.InfoHash)
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: create task row: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go func() {
		if err := t.Run(runCtx, e.store); err != nil {
			e.log.Error("torrent run failed", "info_hash", fmt.Sprintf("%x", mi.InfoHash), "error", err)
		}
		e.mu.Lock()
		delete(e.torrents, mi.InfoHash)
		e.mu.Unlock()
	}()

	return t, nil
}

// Get returns the Torrent registered under infoHash, if any.
func (e *Engine) Get(infoHash [sha1.Size]byte) (*Torrent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.torrents[infoHash]
	return t, ok
}

// Remove cancels infoHash's orchestration loop, tearing down its peer
// connections and closing its piece manager. The task row itself is
// left in the registry with whatever status it last reported.
func (e *Engine) Remove(infoHash [sha1.Size]byte) error {
	e.mu.RLock()
	t, ok := e.torrents[infoHash]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: %x: %w", infoHash, errTorrentNotFound)
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

var errTorrentNotFound = errors.New("torrent not tracked by this engine")
