package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/quillmail/gate/logger"
)

const (
	passphraseFile = "passphrase"
	jwtSecretFile  = "jwt_secret"
	secretBytes    = 32
)

// Secrets holds the key material backing token signing and payload
// encryption. Both values persist across restarts so previously issued
// tokens stay verifiable.
type Secrets struct {
	// payloadKey is the AES-256 key for connection payload encryption,
	// derived from the persisted passphrase.
	payloadKey []byte
	// jwtKey signs and verifies token envelopes.
	jwtKey []byte
}

// LoadSecrets reads the secret files from dir, generating them on first
// run. Files are created with owner-only permissions.
func LoadSecrets(dir string) (*Secrets, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets dir %s: %w", dir, err)
	}

	passphrase, created, err := loadOrCreateSecret(filepath.Join(dir, passphraseFile))
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("Generated new payload passphrase", "path", filepath.Join(dir, passphraseFile))
	}

	jwtKey, created, err := loadOrCreateSecret(filepath.Join(dir, jwtSecretFile))
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("Generated new token signing secret", "path", filepath.Join(dir, jwtSecretFile))
	}

	payloadKey, err := deriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return &Secrets{payloadKey: payloadKey, jwtKey: jwtKey}, nil
}

// deriveKey stretches the passphrase into an AES-256 key with
// HKDF-SHA256 under a fixed application label.
func deriveKey(passphrase []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, passphrase, nil, []byte("gate-connection-payload-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive payload key: %w", err)
	}
	return key, nil
}

func loadOrCreateSecret(path string) (secret []byte, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(decoded) == 0 {
			return nil, false, fmt.Errorf("secret file %s is corrupt", path)
		}
		return decoded, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	fresh := make([]byte, secretBytes)
	if _, err := rand.Read(fresh); err != nil {
		return nil, false, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(fresh)+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("failed to write secret file %s: %w", path, err)
	}
	return fresh, true, nil
}
