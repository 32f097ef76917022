// Package piece owns a torrent's output file(s) and the per-piece,
// per-block bookkeeping needed to schedule requests, accept incoming
// blocks, verify completed pieces against their declared hash, and write
// them to disk.
package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hexwren/gearbit/internal/bitfield"
	"github.com/hexwren/gearbit/internal/meta"
)

// BlockSize is the fixed block size this engine requests and accepts,
// per BEP-3 convention (2^14 bytes). The final block of a piece (and of
// the whole torrent) may be shorter.
const BlockSize = 16 * 1024

// Status is the download status of a single piece.
type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

// BlockRequest identifies a block a peer should be asked for.
type BlockRequest struct {
	Index  int
	Begin  int64
	Length int64
}

type blockState struct {
	data      []byte // nil until received
	inflight  bool
	owner     string
	requestAt time.Time
}

type pieceState struct {
	status Status
	size   int64
	blocks []blockState // len == number of blocks in this piece
}

type fileSpan struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Manager is the single owner of a torrent's output file(s) and its
// piece/block bookkeeping. All exported methods are safe for concurrent
// use; the mutex is held only around bookkeeping and the (bounded) write
// of one verified piece, never across network I/O.
type Manager struct {
	mu sync.Mutex

	hashes      [][sha1.Size]byte
	pieceLength int64
	totalSize   int64
	numPieces   int
	pieces      []*pieceState
	doneCount   int

	files []fileSpan

	requestTimeout time.Duration
	log            *slog.Logger
}

// Options configures a new Manager.
type Options struct {
	Name           string // info.name
	Files          []*meta.File
	SaveDir        string
	RequestTimeout time.Duration
	Log            *slog.Logger
}

// NewManager preallocates the output file(s) under opts.SaveDir and
// returns a Manager ready to schedule and accept blocks.
//
// A single-file torrent (len(opts.Files) == 0) is created at
// <SaveDir>/<Name>. A multi-file torrent creates one file per entry at
// <SaveDir>/<Name>/<file.Path...>, each mapped onto its byte range
// within the virtual concatenation of all files in declared order.
func NewManager(hashes [][sha1.Size]byte, pieceLength, totalSize int64, opts Options) (*Manager, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece: piece length must be positive")
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("piece: no piece hashes")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece-manager", "name", opts.Name)

	files, err := setupFiles(opts.Name, opts.Files, opts.SaveDir, totalSize)
	if err != nil {
		return nil, fmt.Errorf("piece: setup files: %w", err)
	}

	m := &Manager{
		hashes:         hashes,
		pieceLength:    pieceLength,
		totalSize:      totalSize,
		numPieces:      len(hashes),
		files:          files,
		requestTimeout: opts.RequestTimeout,
		log:            log,
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = 25 * time.Second
	}

	m.pieces = make([]*pieceState, m.numPieces)
	for i := range m.pieces {
		size := m.pieceSize(i)
		m.pieces[i] = &pieceState{
			size:   size,
			blocks: make([]blockState, blockCount(size)),
		}
	}

	return m, nil
}

func setupFiles(name string, metaFiles []*meta.File, saveDir string, totalSize int64) ([]fileSpan, error) {
	if len(metaFiles) == 0 {
		path := filepath.Join(saveDir, name)
		f, err := createAndTruncate(path, totalSize)
		if err != nil {
			return nil, err
		}
		return []fileSpan{{f: f, offset: 0, length: totalSize, path: path}}, nil
	}

	root := filepath.Join(saveDir, name)
	spans := make([]fileSpan, 0, len(metaFiles))

	var offset int64
	for _, mf := range metaFiles {
		segments := append([]string{root}, mf.Path...)
		path := filepath.Join(segments...)

		f, err := createAndTruncate(path, mf.Length)
		if err != nil {
			return nil, err
		}

		spans = append(spans, fileSpan{f: f, offset: offset, length: mf.Length, path: path})
		offset += mf.Length
	}

	return spans, nil
}

func createAndTruncate(path string, length int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	return f, nil
}

func blockCount(pieceSize int64) int {
	return int((pieceSize + BlockSize - 1) / BlockSize)
}

// pieceSize returns the byte length of piece i; the last piece is
// typically shorter than pieceLength.
func (m *Manager) pieceSize(i int) int64 {
	if i == m.numPieces-1 {
		return m.totalSize - int64(i)*m.pieceLength
	}
	return m.pieceLength
}

func blockLength(pieceSize int64, blockIdx int) int64 {
	start := int64(blockIdx) * BlockSize
	if start+BlockSize > pieceSize {
		return pieceSize - start
	}
	return BlockSize
}

// NextRequests scans pieces in ascending index order (sequential, not
// rarest-first) and returns up to max blocks the given peer may request,
// restricted to pieces the peer's bitfield claims to have.
func (m *Manager) NextRequests(peerBitfield bitfield.Bitfield, peerID string, max int) []BlockRequest {
	if max <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []BlockRequest

	for pi, p := range m.pieces {
		if len(out) >= max {
			break
		}
		if p.status == StatusDone {
			continue
		}
		if !peerBitfield.Has(pi) {
			continue
		}

		for bi := range p.blocks {
			if len(out) >= max {
				break
			}

			b := &p.blocks[bi]
			if b.data != nil {
				continue
			}
			if b.inflight && now.Sub(b.requestAt) < m.requestTimeout {
				continue
			}

			b.inflight = true
			b.owner = peerID
			b.requestAt = now
			p.status = StatusInflight

			out = append(out, BlockRequest{
				Index:  pi,
				Begin:  int64(bi) * BlockSize,
				Length: blockLength(p.size, bi),
			})
		}
	}

	return out
}

// UnassignPeer releases every in-flight block owned by peerID, making
// them immediately eligible for re-request. Called when a peer
// disconnects.
func (m *Manager) UnassignPeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pieces {
		for i := range p.blocks {
			b := &p.blocks[i]
			if b.inflight && b.owner == peerID && b.data == nil {
				b.inflight = false
			}
		}
	}
}

// AddBlock stores a received block. If it completes a piece, the piece
// is verified against its declared hash and, on match, written to disk.
// Delivering an already-done block's bytes again is accepted and
// ignored (idempotent).
func (m *Manager) AddBlock(peerID string, index int, begin int64, data []byte) error {
	if index < 0 || index >= m.numPieces {
		return fmt.Errorf("piece: block delivery for out-of-range piece %d", index)
	}
	if begin%BlockSize != 0 {
		return fmt.Errorf("piece: block delivery with unaligned offset %d", begin)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pieces[index]
	if p.status == StatusDone {
		return nil
	}

	bi := int(begin / BlockSize)
	if bi < 0 || bi >= len(p.blocks) {
		return fmt.Errorf("piece: block delivery with out-of-range offset %d", begin)
	}

	b := &p.blocks[bi]
	if b.data != nil {
		return nil // duplicate delivery, idempotent
	}

	want := blockLength(p.size, bi)
	if int64(len(data)) != want {
		return fmt.Errorf("piece: block %d/%d wrong size: got %d want %d", index, bi, len(data), want)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	b.data = cp
	b.inflight = false

	if !pieceComplete(p) {
		return nil
	}

	return m.assemble(index, p)
}

func pieceComplete(p *pieceState) bool {
	for i := range p.blocks {
		if p.blocks[i].data == nil {
			return false
		}
	}
	return true
}

// assemble concatenates a piece's blocks, verifies the SHA-1 hash, and
// on match writes it to disk and marks it done; on mismatch it clears
// every block so the piece is re-downloaded. Must be called with mu
// held.
func (m *Manager) assemble(index int, p *pieceState) error {
	buf := make([]byte, 0, p.size)
	for i := range p.blocks {
		buf = append(buf, p.blocks[i].data...)
	}

	sum := sha1.Sum(buf)
	if sum != m.hashes[index] {
		m.log.Warn("piece hash mismatch, re-downloading", "piece", index)
		for i := range p.blocks {
			p.blocks[i] = blockState{}
		}
		p.status = StatusWant
		return nil
	}

	if err := m.writePiece(index, buf); err != nil {
		return fmt.Errorf("piece: write piece %d: %w", index, err)
	}

	for i := range p.blocks {
		p.blocks[i] = blockState{}
	}
	p.status = StatusDone
	m.doneCount++

	m.log.Debug("piece verified", "piece", index, "progress", m.progressLocked())
	return nil
}

// writePiece maps a verified piece's bytes onto the virtual
// concatenation of the underlying file(s), splitting the write across
// every file the piece's byte range overlaps. Must be called with mu
// held.
func (m *Manager) writePiece(index int, data []byte) error {
	pieceAbsStart := int64(index) * m.pieceLength
	pieceAbsEnd := pieceAbsStart + int64(len(data))

	for _, fs := range m.files {
		fileStart := fs.offset
		fileEnd := fs.offset + fs.length

		overlapStart := max64(pieceAbsStart, fileStart)
		overlapEnd := min64(pieceAbsEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInData := overlapStart - pieceAbsStart
		offsetInFile := overlapStart - fileStart

		if _, err := fs.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile); err != nil {
			return fmt.Errorf("write %s at %d: %w", fs.path, offsetInFile, err)
		}
	}

	return nil
}

// ReadPiece reads piece index back from disk, for tests and for
// re-serving already-verified pieces.
func (m *Manager) ReadPiece(index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.pieceSize(index)
	buf := make([]byte, size)

	pieceAbsStart := int64(index) * m.pieceLength
	pieceAbsEnd := pieceAbsStart + size

	for _, fs := range m.files {
		fileStart := fs.offset
		fileEnd := fs.offset + fs.length

		overlapStart := max64(pieceAbsStart, fileStart)
		overlapEnd := min64(pieceAbsEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInData := overlapStart - pieceAbsStart
		offsetInFile := overlapStart - fileStart

		if _, err := fs.f.ReadAt(buf[offsetInData:offsetInData+readLen], offsetInFile); err != nil {
			return nil, fmt.Errorf("read %s at %d: %w", fs.path, offsetInFile, err)
		}
	}

	return buf, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NumPieces returns the total number of pieces in this torrent.
func (m *Manager) NumPieces() int { return m.numPieces }

// Progress returns the percentage of pieces verified and written.
func (m *Manager) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *Manager) progressLocked() float64 {
	if m.numPieces == 0 {
		return 0
	}
	return 100 * float64(m.doneCount) / float64(m.numPieces)
}

// IsComplete reports whether every piece has been verified and written.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doneCount == m.numPieces
}

// Bitfield returns this manager's locally-complete piece set, suitable
// for advertising to peers.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := bitfield.New(m.numPieces)
	for i, p := range m.pieces {
		if p.status == StatusDone {
			bf.Set(i)
		}
	}
	return bf
}

// DownloadedBytes returns the total number of bytes across verified
// pieces, used for speed/ETA calculations.
func (m *Manager) DownloadedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, p := range m.pieces {
		if p.status == StatusDone {
			n += p.size
		}
	}
	return n
}

// Close flushes and closes every underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, fs := range m.files {
		if err := fs.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := fs.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
