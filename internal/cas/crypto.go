package cas

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Blob files are written as plaintext -> zstd -> (optional) XChaCha20-Poly1305.
// Keys and nonces derive from the master key and the content hash, so the
// same content always produces the same file.

func (s *Store) deriveKey(hash string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, s.key[:], []byte(hash), []byte("recordvault-blob-key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive blob key: %w", err)
	}
	return key, nil
}

func (s *Store) deriveNonce(hash string) ([chacha20poly1305.NonceSizeX]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	r := hkdf.New(sha256.New, append(s.key[:], hash...), nil, []byte("recordvault-blob-nonce"))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, fmt.Errorf("derive nonce: %w", err)
	}
	return nonce, nil
}

func (s *Store) encrypt(plaintext []byte, hash string) ([]byte, error) {
	if s.key == nil {
		return plaintext, nil
	}
	key, err := s.deriveKey(hash)
	if err != nil {
		return nil, err
	}
	nonce, err := s.deriveNonce(hash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte, hash string) ([]byte, error) {
	if s.key == nil {
		return ciphertext, nil
	}
	key, err := s.deriveKey(hash)
	if err != nil {
		return nil, err
	}
	nonce, err := s.deriveNonce(hash)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Store) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
