package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MasterKeyFile is where the key lives inside the data directory. Backups
// must include it or the secret store becomes unreadable.
const MasterKeyFile = "master.key"

// MasterKeySize is 32 bytes for AES-256.
const MasterKeySize = 32

// MasterKeyProvider holds the key that encrypts secret values at rest.
type MasterKeyProvider struct {
	keyPath string
	key     []byte
}

// NewMasterKeyProvider loads the master key from dataDir, generating and
// persisting a fresh one on first start.
func NewMasterKeyProvider(dataDir string) (*MasterKeyProvider, error) {
	p := &MasterKeyProvider{keyPath: filepath.Join(dataDir, MasterKeyFile)}
	if err := p.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return p, nil
}

func (p *MasterKeyProvider) loadOrGenerate() error {
	// A short or corrupt key file is treated as absent and regenerated.
	if data, err := os.ReadFile(p.keyPath); err == nil && len(data) == MasterKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(p.keyPath, key, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	p.key = key
	return nil
}

// Key exposes the raw key bytes for the store's Encrypt/Decrypt calls.
func (p *MasterKeyProvider) Key() []byte {
	return p.key
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce and
// returns ciphertext and nonce separately; the store persists both.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens an AES-256-GCM ciphertext. Tampered data fails
// authentication here rather than yielding garbage.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
