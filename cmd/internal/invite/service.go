package invite

import (
	"context"
	"errors"
	"time"
)

const (
	maxMintBatch   = 500
	mintCollisions = 3
)

// MintInput describes a batch of codes to create.
type MintInput struct {
	Tier      Tier
	TrialDays int
	// MaxUses nil means unlimited.
	MaxUses *int
	// TTL zero means the codes never expire.
	TTL   time.Duration
	Count int
	Now   time.Time
}

// Service manages invite code minting and housekeeping.
type Service struct {
	store     Store
	suffixLen int
}

// Option configures the Service.
type Option func(*Service) error

// WithSuffixLength sets the random suffix length of minted codes.
func WithSuffixLength(n int) Option {
	return func(s *Service) error {
		if n < 4 || n > 32 {
			return ErrInvalidInput
		}
		s.suffixLen = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{store: store, suffixLen: defaultSuffixLen}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Mint creates in.Count new codes. A suffix collision is retried with a fresh suffix.
func (s *Service) Mint(ctx context.Context, in MintInput) ([]Code, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !in.Tier.Valid() {
		return nil, ErrUnknownTier
	}
	if in.TrialDays < 0 || in.TTL < 0 {
		return nil, ErrInvalidInput
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return nil, ErrInvalidInput
	}
	count := in.Count
	if count <= 0 {
		count = 1
	}
	if count > maxMintBatch {
		return nil, ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var expiresAt *time.Time
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		expiresAt = &exp
	}

	out := make([]Code, 0, count)
	for i := 0; i < count; i++ {
		c, err := s.mintOne(ctx, in, expiresAt, now)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) mintOne(ctx context.Context, in MintInput, expiresAt *time.Time, now time.Time) (Code, error) {
	var lastErr error
	for attempt := 0; attempt < mintCollisions; attempt++ {
		code, err := NewCode(in.Tier, in.TrialDays, s.suffixLen)
		if err != nil {
			return Code{}, err
		}
		c, err := s.store.CreateInvite(ctx, CreateRecord{
			Code:      code,
			ExpiresAt: expiresAt,
			MaxUses:   in.MaxUses,
			CreatedAt: now,
		})
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Code{}, err
		}
		lastErr = err
	}
	return Code{}, lastErr
}

// DeactivateExpired flips is_active off for every code whose expiry has passed.
func (s *Service) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.DeactivateExpiredInvites(ctx, now)
}
