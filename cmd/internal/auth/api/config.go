package authapi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrConfig indicates invalid API configuration.
var ErrConfig = errors.New("authapi: invalid config")

const (
	DefaultMaxBodyBytes    int64 = 16 << 10
	DefaultSuccessRedirect       = "/index.html"
	DefaultErrorRedirect         = "/auth"

	// DefaultRateLimit is POST attempts per client IP per DefaultRateLimitWindow.
	DefaultRateLimit       = 10
	DefaultRateLimitWindow = time.Minute
)

// Config controls auth API behavior.
type Config struct {
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"STAYHI_MAX_BODY_BYTES" env-default:"16384"`

	// TrustProxy makes client IPs come from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `yaml:"trust_proxy" env:"STAYHI_TRUST_PROXY" env-default:"false"`

	// SuccessRedirect receives ?session=<token> after a verified magic link.
	SuccessRedirect string `yaml:"success_redirect" env:"STAYHI_SUCCESS_REDIRECT" env-default:"/index.html"`

	// ErrorRedirect receives ?error=<message> after a rejected magic link.
	ErrorRedirect string `yaml:"error_redirect" env:"STAYHI_ERROR_REDIRECT" env-default:"/auth"`

	// RateLimit caps POST /invite and /email per client IP; 0 disables the limiter.
	RateLimit       int           `yaml:"rate_limit" env:"STAYHI_RATE_LIMIT" env-default:"10"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"STAYHI_RATE_LIMIT_WINDOW" env-default:"1m"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    DefaultMaxBodyBytes,
		SuccessRedirect: DefaultSuccessRedirect,
		ErrorRedirect:   DefaultErrorRedirect,
		RateLimit:       DefaultRateLimit,
		RateLimitWindow: DefaultRateLimitWindow,
	}
}

// Validate fills empty fields with defaults and checks the redirect targets.
func (c *Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c.SuccessRedirect = strings.TrimSpace(c.SuccessRedirect)
	if c.SuccessRedirect == "" {
		c.SuccessRedirect = DefaultSuccessRedirect
	}
	c.ErrorRedirect = strings.TrimSpace(c.ErrorRedirect)
	if c.ErrorRedirect == "" {
		c.ErrorRedirect = DefaultErrorRedirect
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: STAYHI_RATE_LIMIT must be >= 0", ErrConfig)
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if !validRedirect(c.SuccessRedirect) {
		return fmt.Errorf("%w: STAYHI_SUCCESS_REDIRECT %q", ErrConfig, c.SuccessRedirect)
	}
	if !validRedirect(c.ErrorRedirect) {
		return fmt.Errorf("%w: STAYHI_ERROR_REDIRECT %q", ErrConfig, c.ErrorRedirect)
	}
	return nil
}

// validRedirect accepts a local absolute path or an absolute http(s) URL.
// Protocol-relative values ("//host") are rejected.
func validRedirect(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Fragment != "" {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//")
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
