package invite

import (
	"context"
	"time"
)

// CreateRecord is a normalized invite insert payload.
type CreateRecord struct {
	Code      string
	ExpiresAt *time.Time
	MaxUses   *int
	CreatedAt time.Time
}

// Store is the persistence boundary for invite administration.
// Redemption goes through the identity gateway, not through this interface.
type Store interface {
	CreateInvite(ctx context.Context, in CreateRecord) (Code, error)
	DeactivateExpiredInvites(ctx context.Context, now time.Time) (int64, error)
}
