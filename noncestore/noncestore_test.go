package noncestore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// readCounter returns the counter value currently persisted under dir.
func readCounter(t *testing.T, dir string) uint64 {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, counterFileName))
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if len(raw) != 8 {
		t.Fatalf("counter file has length %d, want 8", len(raw))
	}
	return binary.LittleEndian.Uint64(raw)
}

func TestNextIsMonotonicAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	if err := GenerateKeyMaterial(dir); err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}

	seen := map[[16]byte]bool{}

	s1 := NewFileStore(dir)
	for i := 0; i < 5; i++ {
		n, err := s1.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seen[n] {
			t.Fatalf("nonce %x repeated within a single store", n)
		}
		seen[n] = true
	}
	if got := readCounter(t, dir); got != 5 {
		t.Fatalf("persisted counter after 5 draws = %d, want 5", got)
	}

	// Simulate a process restart: a fresh FileStore over the same dir must
	// not be able to reuse any counter value the first store already
	// persisted past.
	s2 := NewFileStore(dir)
	for i := 0; i < 5; i++ {
		n, err := s2.Next()
		if err != nil {
			t.Fatalf("Next after restart: %v", err)
		}
		if seen[n] {
			t.Fatalf("nonce %x repeated across restart", n)
		}
		seen[n] = true
	}
	if got := readCounter(t, dir); got != 10 {
		t.Fatalf("persisted counter after restart and 5 more draws = %d, want 10", got)
	}
}

func TestGenerateKeyMaterialIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	if err := GenerateKeyMaterial(dir); err != nil {
		t.Fatalf("GenerateKeyMaterial: %v", err)
	}

	s := NewFileStore(dir)
	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	// Calling GenerateKeyMaterial again must not reset the counter or key.
	if err := GenerateKeyMaterial(dir); err != nil {
		t.Fatalf("GenerateKeyMaterial (second call): %v", err)
	}
	if got := readCounter(t, dir); got != 1 {
		t.Fatalf("persisted counter after second GenerateKeyMaterial = %d, want 1", got)
	}

	second, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if first == second {
		t.Fatalf("expected distinct nonces, got %x twice", first)
	}
}
