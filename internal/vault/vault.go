// Package vault encrypts third-party integration credentials at rest.
//
// Blobs are base64(nonce[16] || tag[16] || ciphertext) sealed with AES-256-GCM.
// The key is process-wide, loaded once at startup and never rotated in place:
// changing it makes every stored blob undecryptable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"rallypoint/internal/fault"
)

const (
	KeySize   = 32
	NonceSize = 16
	TagSize   = 16
)

// ErrKeyMissing is returned by New when no key is configured.
var ErrKeyMissing = errors.New("vault: encryption key is not configured (set RALLYPOINT_VAULT_KEY)")

// Credential types accepted on the wire.
const (
	TypeOAuth          = "oauth"
	TypeAPIKey         = "api_key"
	TypeServiceAccount = "service_account"
)

// Vault seals and opens credential blobs. It is safe for concurrent use; the
// AEAD is read-only after construction.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// FromBase64 decodes a standard base64 key, as stored in the environment.
func FromBase64(encoded string) (*Vault, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: key is not valid base64: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key in the base64 form FromBase64 accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals creds into a storable blob.
func (v *Vault) Encrypt(creds Credentials) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}
	plaintext, err := json.Marshal(wireCredentials{Type: creds.Type, Data: creds.Data})
	if err != nil {
		return "", fmt.Errorf("vault: marshal credentials: %w", err)
	}
	defer wipe(plaintext)
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, NonceSize+TagSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt verifies and opens a blob. Any authentication failure is reported as
// fault.IntegrityError and no plaintext is returned.
func (v *Vault) Decrypt(blob string) (Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Credentials{}, fault.IntegrityError{Reason: "credential blob is not valid base64"}
	}
	if len(raw) < NonceSize+TagSize {
		return Credentials{}, fault.IntegrityError{Reason: "credential blob is truncated"}
	}
	nonce := raw[:NonceSize]
	tag := raw[NonceSize : NonceSize+TagSize]
	ciphertext := raw[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return Credentials{}, fault.IntegrityError{Reason: "authentication tag mismatch (tampered blob or wrong key)"}
	}
	defer wipe(plaintext)

	var w wireCredentials
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return Credentials{}, fault.IntegrityError{Reason: "credential payload is not valid JSON"}
	}
	return Credentials{Type: w.Type, Data: w.Data}, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
