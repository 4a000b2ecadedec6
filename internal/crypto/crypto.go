// Package crypto encrypts raw provider payloads at rest. Cached responses
// keep their normalized form queryable while the raw body is sealed with
// AES-GCM under a per-installation key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
)

const (
	keyFileName = "elile.key"
	keySize     = 32
)

var randReader io.Reader = rand.Reader

// Manager seals and opens payloads with a single symmetric key.
type Manager struct {
	aead cipher.AEAD
}

// NewManager loads the installation key from dataDir, generating one on
// first use. When passphrase is non-empty the key is derived from it with
// scrypt instead of being stored on disk.
func NewManager(dataDir, passphrase string) (*Manager, error) {
	var key []byte
	var err error
	if passphrase != "" {
		// Fixed salt keeps derivation stable per installation; the salt is
		// not secret, the passphrase is.
		key, err = scrypt.Key([]byte(passphrase), []byte("elile-cache-v1"), 1<<15, 8, 1, keySize)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	} else {
		key, err = loadOrCreateKey(dataDir)
		if err != nil {
			return nil, err
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &Manager{aead: aead}, nil
}

func loadOrCreateKey(dataDir string) ([]byte, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	keyPath := filepath.Join(dataDir, keyFileName)

	key, err := os.ReadFile(keyPath)
	if err == nil && len(key) == keySize {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, keySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

// Encrypt seals plaintext. The nonce is prepended to the ciphertext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func (m *Manager) Decrypt(data []byte) ([]byte, error) {
	ns := m.aead.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := m.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
