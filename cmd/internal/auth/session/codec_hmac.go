package session

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"stayhi/cmd/security/token"
)

// HMACCodec signs hex(JSON payload) with HMAC-SHA256.
type HMACCodec struct {
	key []byte
	ttl time.Duration
}

type hmacPayload struct {
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// NewHMACCodec returns a codec keyed by key (already derived, not the raw secret).
func NewHMACCodec(key []byte, ttl time.Duration) *HMACCodec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACCodec{key: k, ttl: ttl}
}

func (c *HMACCodec) Issue(userID string, now time.Time) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, ErrInvalidToken
	}
	now = now.UTC().Truncate(time.Second)
	exp := now.Add(c.ttl)

	payload, err := json.Marshal(hmacPayload{
		UserID:    userID,
		CreatedAt: now.Unix(),
		ExpiresAt: exp.Unix(),
	})
	if err != nil {
		return Token{}, err
	}
	sig := token.SignHMACSHA256(payload, c.key)

	return Token{
		Value:     hex.EncodeToString(payload) + "." + hex.EncodeToString(sig),
		ExpiresAt: exp,
	}, nil
}

func (c *HMACCodec) Validate(tok string, now time.Time) (Claims, error) {
	payloadHex, sigHex, ok := strings.Cut(strings.TrimSpace(tok), ".")
	if !ok || payloadHex == "" || sigHex == "" {
		return Claims{}, ErrInvalidToken
	}
	payload, ok := decodeCanonicalHex(payloadHex)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	sig, ok := decodeCanonicalHex(sigHex)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal(sig, token.SignHMACSHA256(payload, c.key)) {
		return Claims{}, ErrInvalidToken
	}

	var p hmacPayload
	if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		return Claims{}, ErrInvalidToken
	}
	exp := time.Unix(p.ExpiresAt, 0).UTC()
	if p.ExpiresAt <= 0 || expired(exp, now) {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		UserID:    p.UserID,
		CreatedAt: time.Unix(p.CreatedAt, 0).UTC(),
		ExpiresAt: exp,
	}, nil
}

// decodeCanonicalHex accepts lowercase hex only, so every token has exactly one spelling.
func decodeCanonicalHex(s string) ([]byte, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || hex.EncodeToString(b) != s {
		return nil, false
	}
	return b, true
}
