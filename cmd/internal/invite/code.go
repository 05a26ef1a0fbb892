package invite

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CodePrefix starts every minted code.
const CodePrefix = "STAYHI"

// suffixAlphabet has no vowels so a random suffix can never spell a tier marker,
// and minted codes always round-trip through TierFor.
const suffixAlphabet = "23456789BCDFGHJKLMNPQRSTVWXZ"

const defaultSuffixLen = 6

// NewCode mints "STAYHI-<TIER>-<N>D-<SUFFIX>".
func NewCode(tier Tier, trialDays, suffixLen int) (string, error) {
	if !tier.Valid() {
		return "", ErrUnknownTier
	}
	if trialDays < 0 {
		return "", ErrInvalidInput
	}
	if suffixLen <= 0 {
		suffixLen = defaultSuffixLen
	}
	suffix, err := gonanoid.Generate(suffixAlphabet, suffixLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%dD-%s", CodePrefix, tier, trialDays, suffix), nil
}
