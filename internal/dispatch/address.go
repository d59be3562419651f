package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress marks an address the channel can never deliver to.
// Invalid addresses are a permanent rejection, not a retry case.
var ErrInvalidAddress = errors.New("invalid address")

const (
	countryCode        = "1"
	domesticLength     = 10
	minCanonicalLength = 11
	maxCanonicalLength = 15
)

// NormalizeAddress canonicalizes a raw contact handle into the channel's
// digits-only format: punctuation stripped, the international dialing
// prefix ("00") removed, and bare domestic numbers given the country
// code. "(202) 555-0100", "1-202-555-0100" and "001 202 555 0100" all
// normalize to "12025550100".
func NormalizeAddress(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "00") && len(digits) > domesticLength {
		digits = digits[2:]
	}
	if len(digits) == domesticLength {
		digits = countryCode + digits
	}

	if len(digits) < minCanonicalLength || len(digits) > maxCanonicalLength {
		return "", fmt.Errorf("%w: %q normalizes to %d digits", ErrInvalidAddress, raw, len(digits))
	}
	return digits, nil
}
