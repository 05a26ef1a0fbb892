package invite

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnknownTier  = errors.New("unknown membership tier")
	// ErrConflict is returned by a Store when the code already exists.
	ErrConflict = errors.New("invite code already exists")
)
