package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/giantswarm/oauth-issuer/instrumentation"
)

// KeySize is the required key length for AES-256
const KeySize = 32

// ErrCiphertextTooShort is returned when a payload cannot hold a nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals stored token payloads at rest using AES-256-GCM.
// A disabled Encryptor passes data through unchanged.
type Encryptor struct {
	aead    cipher.AEAD
	metrics *instrumentation.Metrics
}

// NewEncryptor creates a new encryptor.
// If key is nil or empty, encryption is disabled.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm}, nil
}

// SetInstrumentation records encryption counts and durations
func (e *Encryptor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		e.metrics = inst.Metrics()
	}
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Seal encrypts plaintext and returns base64([nonce][ciphertext]).
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	if !e.IsEnabled() {
		return string(plaintext), nil
	}
	defer e.observe("encrypt", time.Now())

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(encoded string) ([]byte, error) {
	if !e.IsEnabled() {
		return []byte(encoded), nil
	}
	defer e.observe("decrypt", time.Now())

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (e *Encryptor) observe(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordEncryptionOperation(context.Background(), op, float64(time.Since(start).Microseconds())/1000)
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
