package session

import "errors"

var (
	// ErrInvalidToken is returned for every token that fails validation: malformed,
	// tampered, signed with another key or expired.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
