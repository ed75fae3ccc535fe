package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/denisbrodbeck/machineid"
)

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened,
	// including values sealed on another machine.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("invalid key")
)

// LocalEncryptor seals data with AES-256-GCM under a key bound to this
// machine, so a token file copied elsewhere does not decrypt.
type LocalEncryptor struct {
	aead cipher.AEAD
}

// NewMachineEncryptor derives the key from the app-scoped machine id.
func NewMachineEncryptor(appID string) (*LocalEncryptor, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return nil, fmt.Errorf("read machine id: %w", err)
	}
	return NewLocalEncryptor([]byte(appID + ":" + id))
}

// NewLocalEncryptor derives a 256-bit key from secret with SHA-256.
func NewLocalEncryptor(secret []byte) (*LocalEncryptor, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LocalEncryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (e *LocalEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *LocalEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := e.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// PlainEncryptor only tags values. For tests and throwaway dev profiles.
type PlainEncryptor struct{}

const plainPrefix = "plain:"

func (PlainEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	return plainPrefix + plaintext, nil
}

func (PlainEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if len(ciphertext) < len(plainPrefix) || ciphertext[:len(plainPrefix)] != plainPrefix {
		return "", ErrInvalidCiphertext
	}
	return ciphertext[len(plainPrefix):], nil
}
