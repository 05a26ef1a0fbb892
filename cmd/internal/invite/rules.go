package invite

import (
	"strconv"
	"strings"
	"time"
)

// Tier is a membership access level granted by an invite code.
type Tier string

const (
	TierBeta   Tier = "BETA"
	TierVIP    Tier = "VIP"
	TierFriend Tier = "FRIEND"
	TierStan   Tier = "STAN"
)

// DefaultTier applies when a code carries no tier marker.
const DefaultTier = TierBeta

// DefaultTrialDays applies when a code carries no "<digits>D" segment.
const DefaultTrialDays = 30

// tierPriority is the marker check order. The first marker found anywhere in the code wins,
// regardless of where it appears, so "VIP-BETA" resolves to BETA.
// Reordering changes which tier existing codes grant; see DESIGN.md before touching it.
var tierPriority = []Tier{TierBeta, TierVIP, TierFriend, TierStan}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, known := range tierPriority {
		if t == known {
			return true
		}
	}
	return false
}

func (t Tier) String() string { return string(t) }

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrUnknownTier
	}
	return t, nil
}

// TierFor derives the membership tier from a code by case-sensitive substring match.
func TierFor(code string) Tier {
	for _, t := range tierPriority {
		if strings.Contains(code, string(t)) {
			return t
		}
	}
	return DefaultTier
}

// TrialDaysFor returns the value of the first "-" separated segment shaped "<digits>D".
// Any parse failure yields DefaultTrialDays.
func TrialDaysFor(code string) int {
	for _, part := range strings.Split(code, "-") {
		if len(part) < 2 || part[len(part)-1] != 'D' {
			continue
		}
		digits := part[:len(part)-1]
		if !allDigits(digits) {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return DefaultTrialDays
		}
		return n
	}
	return DefaultTrialDays
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// NormalizeCode canonicalizes user input before lookup and rule evaluation.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Code is an invitation code row.
type Code struct {
	Code       string
	IsActive   bool
	ExpiresAt  *time.Time
	MaxUses    *int
	UsesCount  int
	LastUsedAt *time.Time
	LastUsedBy *string
	CreatedAt  time.Time
}

// Tier is the tier this code grants.
func (c Code) Tier() Tier { return TierFor(c.Code) }

// TrialDays is the trial length this code grants.
func (c Code) TrialDays() int { return TrialDaysFor(c.Code) }

// ActiveAt reports whether the code is redeemable at now: active, unexpired, under its cap.
func (c Code) ActiveAt(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	if c.MaxUses != nil && c.UsesCount >= *c.MaxUses {
		return false
	}
	return true
}
