// Package noncestore implements the persistent vouch-nonce counter used to
// derive unique long-term-key nonces across process restarts.
//
// It is the concrete, file-backed implementation of the "abstract monotonic
// counter store" the protocol needs: every draw from Next is guaranteed
// never to repeat for the key material in dir, even across crashes, because
// the on-disk counter is advanced (and fsynced) before the draw it backs is
// handed out.
package noncestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.New("noncestore")

const (
	keyFileName     = "noncekey"
	counterFileName = "noncecounter"
	lockFileName    = "lock"
)

// Store draws successive 16-byte values suitable for use as vouch nonces.
// Values drawn must never repeat across process restarts for the same
// backing key material.
type Store interface {
	Next() ([16]byte, error)
}

// FileStore is a Store backed by three files under Dir: a secret AES key
// (noncekey), a little-endian uint64 counter (noncecounter), and an
// advisory lock file (lock) guarding read-modify-write of the counter.
//
// Counters are drawn in batches of one: each Next reserves the next counter
// value by persisting counter+1 before using counter, so a crash between
// persisting and using never causes reuse.
type FileStore struct {
	dir string

	mu         sync.Mutex
	keyLoaded  bool
	noncekey   [32]byte
	counterLow uint64
	// counterHigh is the first counter value NOT yet reserved on disk.
	counterHigh uint64
}

// NewFileStore returns a FileStore rooted at dir. dir must already contain
// noncekey and noncecounter (see GenerateKeyMaterial).
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// GenerateKeyMaterial creates noncekey and noncecounter (both with
// restrictive permissions) under dir if they do not already exist. It does
// not touch an existing noncecounter, so it is safe to call at every
// startup.
func GenerateKeyMaterial(dir string) error {
	keyPath := filepath.Join(dir, keyFileName)
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return fmt.Errorf("noncestore: generate key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return fmt.Errorf("noncestore: write key: %w", err)
		}
	}

	counterPath := filepath.Join(dir, counterFileName)
	if _, err := os.Stat(counterPath); os.IsNotExist(err) {
		if err := writeCounterSync(counterPath, 0); err != nil {
			return fmt.Errorf("noncestore: write counter: %w", err)
		}
	}

	return nil
}

// Next draws the next vouch nonce. It is safe for concurrent use from
// multiple goroutines in this process, and from other processes sharing
// the same dir (guarded by an advisory exclusive lock on dir/lock).
func (s *FileStore) Next() ([16]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [16]byte

	fl := flock.New(filepath.Join(s.dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return out, fmt.Errorf("noncestore: acquire lock: %w", err)
	}
	defer fl.Unlock()

	if !s.keyLoaded {
		key, err := os.ReadFile(filepath.Join(s.dir, keyFileName))
		if err != nil {
			return out, fmt.Errorf("noncestore: read key: %w", err)
		}
		if len(key) != 32 {
			return out, fmt.Errorf("noncestore: key has wrong length %d", len(key))
		}
		copy(s.noncekey[:], key)
		s.keyLoaded = true
	}

	if s.counterLow >= s.counterHigh {
		counterPath := filepath.Join(s.dir, counterFileName)
		raw, err := os.ReadFile(counterPath)
		if err != nil {
			return out, fmt.Errorf("noncestore: read counter: %w", err)
		}
		if len(raw) != 8 {
			return out, fmt.Errorf("noncestore: counter file has wrong length %d", len(raw))
		}
		counter := binary.LittleEndian.Uint64(raw)

		if err := writeCounterSync(counterPath, counter+1); err != nil {
			return out, fmt.Errorf("noncestore: persist counter: %w", err)
		}

		s.counterLow = counter
		s.counterHigh = counter + 1
	}

	var plain [16]byte
	binary.LittleEndian.PutUint64(plain[0:8], s.counterLow)
	if _, err := io.ReadFull(rand.Reader, plain[8:16]); err != nil {
		log.Errore(err, "failed to read randomness for nonce")
		return out, fmt.Errorf("noncestore: read random bytes: %w", err)
	}
	s.counterLow++

	ciphertext, err := blockEncrypt(plain[:], s.noncekey[:])
	if err != nil {
		log.Errore(err, "failed to generate safe nonce")
		return out, err
	}
	copy(out[:], ciphertext)

	return out, nil
}

// writeCounterSync persists v as a little-endian uint64 and fsyncs before
// returning, so the value is durable even if the process crashes
// immediately afterwards.
func writeCounterSync(path string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(buf[:]); err != nil {
		return err
	}
	return f.Sync()
}

// blockEncrypt AES-CBC-encrypts a single 16-byte block under a random IV
// that is discarded rather than returned. The ciphertext is only ever used
// as opaque nonce material, never decrypted, so losing the IV is fine here;
// this helper must not be reused anywhere recoverability matters.
func blockEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}
