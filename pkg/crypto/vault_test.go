package crypto

import (
	"encoding/base64"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault("test-app-secret")
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key_pair", `{"apiKey":"abc123XYZ","apiSecret":"s3cr3t"}`},
		{"long", "a very long exchange API secret with passphrase material attached to it for good measure"},
		{"unicode", "中文測試 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := v.Encrypt("user-1", tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			got, err := v.Decrypt("user-1", enc)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	v := newTestVault(t)

	c1, _ := v.Encrypt("user-1", "same-api-key")
	c2, _ := v.Encrypt("user-1", "same-api-key")

	// Fresh salt and nonce per call must change the output.
	if c1.Ciphertext == c2.Ciphertext {
		t.Error("expected different ciphertexts for same plaintext")
	}
	if c1.Salt == c2.Salt {
		t.Error("expected different salts for same plaintext")
	}
}

func TestDecryptWrongUserFails(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("user-1", "api-key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := v.Decrypt("user-2", enc); err != ErrDecryptFailed {
		t.Errorf("expected ErrDecryptFailed for wrong user, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)

	enc, err := v.Encrypt("user-1", "api-key-material")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(enc.Ciphertext)
	for i := range raw {
		flipped := make([]byte, len(raw))
		copy(flipped, raw)
		flipped[i] ^= 0x01

		tampered := enc
		tampered.Ciphertext = base64.StdEncoding.EncodeToString(flipped)
		if _, err := v.Decrypt("user-1", tampered); err != ErrDecryptFailed {
			t.Fatalf("byte %d: expected ErrDecryptFailed, got %v", i, err)
		}
	}
}

func TestDecryptTamperedIV(t *testing.T) {
	v := newTestVault(t)

	enc, _ := v.Encrypt("user-1", "api-key-material")
	raw, _ := base64.StdEncoding.DecodeString(enc.IV)
	raw[0] ^= 0x01
	enc.IV = base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt("user-1", enc); err != ErrDecryptFailed {
		t.Errorf("expected ErrDecryptFailed for tampered IV, got %v", err)
	}
}

func TestDecryptInvalidPayload(t *testing.T) {
	v := newTestVault(t)

	invalids := []EncryptedCredentials{
		{},
		{Ciphertext: "!!!", IV: "!!!", Salt: "!!!"},
		{Ciphertext: base64.StdEncoding.EncodeToString([]byte("x")), IV: "c2hvcnQ=", Salt: "c2hvcnQ="},
	}
	for i, enc := range invalids {
		if _, err := v.Decrypt("user-1", enc); err == nil {
			t.Errorf("case %d: expected error for invalid payload", i)
		}
	}
}

func TestMissingUserContext(t *testing.T) {
	v := newTestVault(t)

	if _, err := v.Encrypt("", "x"); err != ErrMissingUserContext {
		t.Errorf("Encrypt: expected ErrMissingUserContext, got %v", err)
	}
	if _, err := v.Decrypt("", EncryptedCredentials{}); err != ErrMissingUserContext {
		t.Errorf("Decrypt: expected ErrMissingUserContext, got %v", err)
	}
}
