// Package ids provides the identifier primitives used by the identity gateway.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// Used for rows that benefit from time ordering: memberships, audit events.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUserID returns a random (v4) UUID string, the user id format shared with the web app.
func NewUserID() string {
	return uuid.NewString()
}
