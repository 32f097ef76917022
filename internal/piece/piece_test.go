package piece

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexwren/gearbit/internal/bitfield"
	"github.com/hexwren/gearbit/internal/meta"
)

func newTestManager(t *testing.T, pieceLen int64, pieceData [][]byte, files []*meta.File) *Manager {
	t.Helper()

	dir := t.TempDir()
	var total int64
	hashes := make([][sha1.Size]byte, len(pieceData))
	for i, d := range pieceData {
		hashes[i] = sha1.Sum(d)
		total += int64(len(d))
	}

	m, err := NewManager(hashes, pieceLen, total, Options{
		Name:    "testfile.bin",
		Files:   files,
		SaveDir: dir,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func allBits(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func deliverPiece(t *testing.T, m *Manager, index int, data []byte) {
	t.Helper()
	for off := 0; off < len(data); off += BlockSize {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		if err := m.AddBlock("peerA", index, int64(off), data[off:end]); err != nil {
			t.Fatalf("AddBlock piece %d offset %d: %v", index, off, err)
		}
	}
}

func TestSinglePieceHappyPath(t *testing.T) {
	data := []byte("0123456789abcdef0123456789abcdef01") // 34 bytes, 3 blocks if BlockSize small... use real BlockSize
	_ = data

	pieceLen := int64(BlockSize*2 + 100)
	piece0 := make([]byte, pieceLen)
	for i := range piece0 {
		piece0[i] = byte(i)
	}

	m := newTestManager(t, pieceLen, [][]byte{piece0}, nil)
	defer m.Close()

	if m.IsComplete() {
		t.Fatalf("manager should not be complete before any blocks arrive")
	}

	reqs := m.NextRequests(allBits(1), "peerA", 10)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 block requests, got %d", len(reqs))
	}

	deliverPiece(t, m, 0, piece0)

	if !m.IsComplete() {
		t.Fatalf("manager should be complete after delivering all blocks")
	}

	got, err := m.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if string(got) != string(piece0) {
		t.Fatalf("written piece bytes do not match source")
	}
}

func TestHashMismatchRecovery(t *testing.T) {
	pieceLen := int64(BlockSize)
	good := make([]byte, pieceLen)
	for i := range good {
		good[i] = byte(i)
	}
	corrupt := make([]byte, pieceLen)
	copy(corrupt, good)
	corrupt[0] ^= 0xFF

	m := newTestManager(t, pieceLen, [][]byte{good}, nil)
	defer m.Close()

	if err := m.AddBlock("peerA", 0, 0, corrupt); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if m.IsComplete() {
		t.Fatalf("corrupt piece must not be marked done")
	}

	// block must be re-offered
	reqs := m.NextRequests(allBits(1), "peerB", 10)
	if len(reqs) != 1 {
		t.Fatalf("expected piece to be re-requestable after mismatch, got %d reqs", len(reqs))
	}

	if err := m.AddBlock("peerB", 0, 0, good); err != nil {
		t.Fatalf("AddBlock (retry): %v", err)
	}
	if !m.IsComplete() {
		t.Fatalf("manager should complete after correct retry")
	}
}

func TestIdempotentBlockDelivery(t *testing.T) {
	pieceLen := int64(BlockSize)
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i * 3)
	}

	m := newTestManager(t, pieceLen, [][]byte{data}, nil)
	defer m.Close()

	if err := m.AddBlock("peerA", 0, 0, data); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if err := m.AddBlock("peerA", 0, 0, data); err != nil {
		t.Fatalf("AddBlock (duplicate): %v", err)
	}
	if !m.IsComplete() {
		t.Fatalf("manager should be complete")
	}
}

func TestMultiFileOverlap(t *testing.T) {
	// Two files of 100 and 200 bytes, a single piece of 150 bytes
	// straddling the boundary.
	files := []*meta.File{
		{Length: 100, Path: []string{"a.bin"}},
		{Length: 200, Path: []string{"sub", "b.bin"}},
	}

	pieceLen := int64(150)
	p0 := make([]byte, 150)
	p1 := make([]byte, 150)
	for i := range p0 {
		p0[i] = byte(i)
	}
	for i := range p1 {
		p1[i] = byte(200 - i)
	}

	m := newTestManager(t, pieceLen, [][]byte{p0, p1}, files)
	defer m.Close()

	deliverPiece(t, m, 0, p0)
	deliverPiece(t, m, 1, p1)

	if !m.IsComplete() {
		t.Fatalf("expected multi-file torrent to complete")
	}

	dir := m.files[0].path
	root := filepath.Dir(dir)
	b, err := os.ReadFile(filepath.Join(root, "a.bin"))
	if err != nil {
		t.Fatalf("read a.bin: %v", err)
	}
	if len(b) != 100 {
		t.Fatalf("a.bin length = %d, want 100", len(b))
	}

	wantAB := append(append([]byte{}, p0...), p1...)
	gotA, _ := os.ReadFile(filepath.Join(root, "a.bin"))
	gotB, _ := os.ReadFile(filepath.Join(root, "sub", "b.bin"))
	full := append(append([]byte{}, gotA...), gotB...)
	if string(full) != string(wantAB) {
		t.Fatalf("concatenated file contents do not match source pieces")
	}
}
