// Package crypto provides the credential vault guarding exchange API keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/denisbrodbeck/machineid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// SaltSize is the per-record random salt length in bytes.
	SaltSize = 16
	// Iterations is the PBKDF2 round count.
	Iterations = 100_000
)

// appSalt is the fixed application salt mixed into every derivation.
var appSalt = []byte("tradesync-core/vault/v1")

var (
	ErrMissingUserContext = errors.New("vault: user context required for key derivation")
	ErrDecryptFailed      = errors.New("vault: decryption failed")
	ErrInvalidPayload     = errors.New("vault: invalid encrypted payload")
)

// EncryptedCredentials is the opaque at-rest form of API credentials.
// Every field is base64; nothing outside this package interprets them.
type EncryptedCredentials struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// Vault derives a per-user AES-256 key via PBKDF2-SHA256 and seals
// credentials with AES-GCM. The derivation input is a stable per-user
// secret (application secret + user id), never the user's password.
type Vault struct {
	appSecret []byte
}

// NewVault builds a vault from the application secret. When the secret is
// empty a machine-bound identifier keeps development setups stable.
func NewVault(appSecret string) (*Vault, error) {
	if appSecret == "" {
		id, err := machineid.ProtectedID("tradesync-core")
		if err != nil {
			return nil, fmt.Errorf("vault: no app secret and machine id unavailable: %w", err)
		}
		appSecret = id
	}
	return &Vault{appSecret: []byte(appSecret)}, nil
}

// deriveKey stretches (appSecret || userID) over (appSalt || recordSalt).
func (v *Vault) deriveKey(userID string, recordSalt []byte) []byte {
	secret := make([]byte, 0, len(v.appSecret)+len(userID))
	secret = append(secret, v.appSecret...)
	secret = append(secret, userID...)

	salt := make([]byte, 0, len(appSalt)+len(recordSalt))
	salt = append(salt, appSalt...)
	salt = append(salt, recordSalt...)

	return pbkdf2.Key(secret, salt, Iterations, KeySize, sha256.New)
}

// Encrypt seals plaintext credentials for one user. A fresh random salt
// and nonce are drawn per call, so identical inputs never collide.
func (v *Vault) Encrypt(userID, plaintext string) (EncryptedCredentials, error) {
	if userID == "" {
		return EncryptedCredentials{}, ErrMissingUserContext
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return EncryptedCredentials{}, fmt.Errorf("vault: generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedCredentials{}, fmt.Errorf("vault: generate nonce: %w", err)
	}

	gcm, err := v.aead(userID, salt)
	if err != nil {
		return EncryptedCredentials{}, err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return EncryptedCredentials{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt opens sealed credentials. A GCM integrity failure comes back as
// ErrDecryptFailed: callers must treat it as "credentials lost" and ask
// the user to re-enter keys, never retry with stale material.
func (v *Vault) Decrypt(userID string, enc EncryptedCredentials) (string, error) {
	if userID == "" {
		return "", ErrMissingUserContext
	}

	sealed, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", ErrInvalidPayload
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(nonce) != NonceSize {
		return "", ErrInvalidPayload
	}
	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil || len(salt) != SaltSize {
		return "", ErrInvalidPayload
	}

	gcm, err := v.aead(userID, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (v *Vault) aead(userID string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.deriveKey(userID, salt))
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return gcm, nil
}
