package session

import (
	"fmt"
	"strings"
	"time"

	"stayhi/cmd/security/token"
)

// Token formats.
const (
	FormatHMAC = "hmac"
	FormatJWT  = "jwt"
)

// DefaultTTL is the lifetime of a session token.
const DefaultTTL = 30 * 24 * time.Hour

// Config defines the session subsystem configuration.
type Config struct {
	// Secret is the operator secret; the signing key is derived from it.
	Secret string `yaml:"secret" env:"STAYHI_SESSION_SECRET"`

	// Format selects the token wire format (hmac|jwt).
	Format string `yaml:"format" env:"STAYHI_SESSION_FORMAT" env-default:"hmac"`

	TTL time.Duration `yaml:"ttl" env:"STAYHI_SESSION_TTL" env-default:"720h"`

	// Issuer is only embedded by the jwt format.
	Issuer string `yaml:"issuer" env:"STAYHI_SESSION_ISSUER" env-default:"stayhi"`
}

// DefaultConfig returns the defaults without a secret.
func DefaultConfig() Config {
	return Config{
		Format: FormatHMAC,
		TTL:    DefaultTTL,
		Issuer: "stayhi",
	}
}

// Validate checks the secret, the format and the TTL.
//
// Required:
//   - STAYHI_SESSION_SECRET (at least 32 bytes)
//
// Optional:
//   - STAYHI_SESSION_FORMAT (hmac|jwt)
//   - STAYHI_SESSION_TTL (Go duration)
//   - STAYHI_SESSION_ISSUER
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func (c *Config) Validate() error {
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = FormatHMAC
	}
	switch c.Format {
	case FormatHMAC, FormatJWT:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrConfig, c.Format)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrConfig)
	}
	if _, err := token.CheckSecret(c.Secret, token.MinSecretBytes); err != nil {
		return fmt.Errorf("%w: STAYHI_SESSION_SECRET: %v", ErrConfig, err)
	}
	return nil
}
