package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantEnabled bool
		wantErr     bool
	}{
		{"nil key disables", nil, false, false},
		{"empty key disables", []byte{}, false, false},
		{"valid key", make([]byte, KeySize), true, false},
		{"short key", make([]byte, 16), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := []byte(`{"value":"abc","kind":2}`)

	sealed, err := enc.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains([]byte(sealed), plaintext) {
		t.Error("sealed payload contains plaintext")
	}

	again, err := enc.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if again == sealed {
		t.Error("Seal() should use a fresh nonce each time")
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestEncryptor_Disabled_PassThrough(t *testing.T) {
	enc, _ := NewEncryptor(nil)

	sealed, err := enc.Seal([]byte("plain"))
	if err != nil || sealed != "plain" {
		t.Errorf("Seal() = %q, %v; want pass-through", sealed, err)
	}
	opened, err := enc.Open("plain")
	if err != nil || string(opened) != "plain" {
		t.Errorf("Open() = %q, %v; want pass-through", opened, err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor should be disabled")
	}
}

func TestEncryptor_Open_Errors(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	if _, err := enc.Open("not base64!"); err == nil {
		t.Error("Open() with invalid base64 should fail")
	}
	if _, err := enc.Open("AAAA"); !errors.Is(err, ErrCiphertextTooShort) {
		t.Errorf("Open() short payload error = %v, want ErrCiphertextTooShort", err)
	}

	other, _ := GenerateKey()
	otherEnc, _ := NewEncryptor(other)
	sealed, _ := otherEnc.Seal([]byte("secret"))
	if _, err := enc.Open(sealed); err == nil {
		t.Error("Open() with wrong key should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("AAAA"); err == nil {
		t.Error("KeyFromBase64() with short key should fail")
	}
	if _, err := KeyFromBase64("%%%"); err == nil {
		t.Error("KeyFromBase64() with invalid base64 should fail")
	}
	key, err := KeyFromBase64("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key), KeySize)
	}
}
