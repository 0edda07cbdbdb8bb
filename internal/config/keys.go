package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/sha256-simd"
)

// KeySize is the length of a blob encryption key.
const KeySize = 32

// GenerateKey writes a new random blob encryption key, base64 encoded, to
// path. An existing file is never overwritten.
func GenerateKey(path string) error {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key[:]) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// LoadKey reads a blob encryption key. The file holds 32 bytes encoded as
// base64 or hex.
func LoadKey(path string) (*[KeySize]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	text := strings.TrimSpace(string(data))

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil || len(raw) != KeySize {
		raw, err = hex.DecodeString(text)
	}
	if err != nil || len(raw) != KeySize {
		return nil, fmt.Errorf("key file %s: want %d bytes as base64 or hex", path, KeySize)
	}

	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// EnsureKey loads the key at path, generating it first if it does not exist.
func EnsureKey(path string) (*[KeySize]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := GenerateKey(path); err != nil {
		return nil, err
	}
	return LoadKey(path)
}

// KeyFingerprint identifies a key without revealing it.
func KeyFingerprint(key *[KeySize]byte) string {
	hash := sha256.Sum256(key[:])
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(hash[:12])
}
