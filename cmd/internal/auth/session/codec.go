package session

import (
	"time"

	"stayhi/cmd/security/token"
)

// Token is an issued session token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Claims is what a valid token proves.
type Claims struct {
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Codec issues and validates session tokens.
type Codec interface {
	Issue(userID string, now time.Time) (Token, error)
	// Validate returns ErrInvalidToken for any failure.
	Validate(tok string, now time.Time) (Claims, error)
}

// NewCodec builds the codec selected by cfg.Format.
func NewCodec(cfg Config) (Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret, err := token.CheckSecret(cfg.Secret, token.MinSecretBytes)
	if err != nil {
		return nil, ErrConfig
	}
	key, err := token.DeriveKey(secret, token.PurposeSession, 32)
	if err != nil {
		return nil, ErrConfig
	}

	if cfg.Format == FormatJWT {
		return NewJWTCodec(key, cfg.Issuer, cfg.TTL), nil
	}
	return NewHMACCodec(key, cfg.TTL), nil
}

// expired reports whether now is past exp. A token is still valid at exactly exp.
func expired(exp, now time.Time) bool {
	return now.After(exp)
}
