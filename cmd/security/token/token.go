package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinSecretBytes is the minimum accepted length of the operator secret.
const MinSecretBytes = 32

// Subkey purposes. Changing one of these invalidates everything signed or hashed under it.
const (
	PurposeSession   = "stayhi/session/v1"
	PurposeMagicLink = "stayhi/magic-link/v1"
)

// CheckSecret trims raw and enforces a minimum byte length.
// Blank -> ErrSecretMissing, too short -> ErrSecretTooShort.
func CheckSecret(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrSecretTooShort
	}
	return b, nil
}

// DeriveKey expands secret into an n-byte subkey bound to purpose (HKDF-SHA256, no salt).
func DeriveKey(secret []byte, purpose string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrSecretMissing
	}
	if n <= 0 || n > 255*sha256.Size {
		return nil, ErrInvalidLength
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	return hex.EncodeToString(SignHMACSHA256([]byte(s), key))
}

// SignHMACSHA256 returns the raw HMAC-SHA256 of msg under key.
func SignHMACSHA256(msg, key []byte) []byte {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(msg)
	return m.Sum(nil)
}

// NewOpaque returns nBytes of crypto/rand entropy, base64url encoded without padding.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", ErrInvalidLength
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hasher hashes opaque tokens for storage under a fixed key.
type Hasher struct {
	key []byte
}

// NewHasher derives a storage-hash key for purpose from secret.
func NewHasher(secret []byte, purpose string) (*Hasher, error) {
	key, err := DeriveKey(secret, purpose, sha256.Size)
	if err != nil {
		return nil, err
	}
	return &Hasher{key: key}, nil
}

// Hash returns the 64-char hex storage form of tok.
func (h *Hasher) Hash(tok string) string {
	return HashHMACSHA256Hex(tok, h.key)
}
