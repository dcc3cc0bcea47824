// Package keys loads and generates the long-term key material a
// splonebox-client-go session needs: the client's long-term keypair and
// the server's long-term public key, each stored as a raw 32-byte file
// under a key directory.
package keys

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

const (
	ClientLongTermPublicFile = "client-long-term.pub"
	ClientLongTermSecretFile = "client-long-term"
	ServerLongTermPublicFile = "server-long-term.pub"
)

// LongTerm holds the three long-term keys a Context needs: the client's
// own keypair and the server's public key.
type LongTerm struct {
	ClientPublic [32]byte
	ClientSecret [32]byte
	ServerPublic [32]byte
}

// Load reads the three long-term key files from dir. Every file is
// expected to contain exactly 32 raw bytes.
func Load(dir string) (*LongTerm, error) {
	lt := &LongTerm{}

	if err := loadKey(filepath.Join(dir, ClientLongTermPublicFile), &lt.ClientPublic); err != nil {
		return nil, fmt.Errorf("keys: client public key: %w", err)
	}
	if err := loadKey(filepath.Join(dir, ClientLongTermSecretFile), &lt.ClientSecret); err != nil {
		return nil, fmt.Errorf("keys: client secret key: %w", err)
	}
	if err := loadKey(filepath.Join(dir, ServerLongTermPublicFile), &lt.ServerPublic); err != nil {
		return nil, fmt.Errorf("keys: server public key: %w", err)
	}

	return lt, nil
}

func loadKey(path string, out *[32]byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) != 32 {
		return fmt.Errorf("key file %s has wrong length %d (want 32)", path, len(data))
	}
	copy(out[:], data)
	return nil
}

// GenerateClientKeypair creates a fresh client long-term keypair under dir
// if one does not already exist. It never overwrites existing key files.
func GenerateClientKeypair(dir string) error {
	pubPath := filepath.Join(dir, ClientLongTermPublicFile)
	skPath := filepath.Join(dir, ClientLongTermSecretFile)

	if _, err := os.Stat(pubPath); err == nil {
		return nil
	}
	if _, err := os.Stat(skPath); err == nil {
		return fmt.Errorf("keys: %s exists without %s; not overwriting it", skPath, pubPath)
	}

	pub, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: generate keypair: %w", err)
	}

	if err := os.WriteFile(pubPath, pub[:], 0644); err != nil {
		return fmt.Errorf("keys: write public key: %w", err)
	}
	if err := os.WriteFile(skPath, sk[:], 0600); err != nil {
		return fmt.Errorf("keys: write secret key: %w", err)
	}

	return nil
}
