package app

import (
	"errors"
	"fmt"
	"strings"

	"stayhi/cmd/internal/auth/session"
	"stayhi/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// The signing secret is required in every environment and in prod the public base URL
// must be https. Mail transport rules live in notify.NewSender.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := token.CheckSecret(cfg.Session.Secret, token.MinSecretBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrSecretMissing):
			return fmt.Errorf("%w: security policy: STAYHI_SESSION_SECRET is missing", ErrConfig)
		case errors.Is(err, token.ErrSecretTooShort):
			return fmt.Errorf("%w: security policy: STAYHI_SESSION_SECRET is too short (min %d bytes)", ErrConfig, token.MinSecretBytes)
		default:
			return err
		}
	}

	sessCfg := cfg.Session
	if err := sessCfg.Validate(); err != nil {
		return err
	}

	if cfg.Env != EnvProd {
		return nil
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.PublicBaseURL)), "https://") {
		return fmt.Errorf("%w: security policy: STAYHI_PUBLIC_BASE_URL must be https in prod", ErrConfig)
	}
	return nil
}

// linkHasher builds the storage hasher for magic-link tokens.
func linkHasher(cfg session.Config) (*token.Hasher, error) {
	secret, err := token.CheckSecret(cfg.Secret, token.MinSecretBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return token.NewHasher(secret, token.PurposeMagicLink)
}
