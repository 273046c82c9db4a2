package gateway

import (
	"fmt"
	"strings"
)

// NormalizeMSISDN converts a mobile number into the bare international form
// "<country code><subscriber>", e.g. 0712345678 and +254712345678 both become
// 254712345678.
func NormalizeMSISDN(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	var national string
	switch {
	case strings.HasPrefix(digits, countryCode+"0"):
		national = digits[len(countryCode)+1:]
	case strings.HasPrefix(digits, countryCode) && len(digits) > len(countryCode)+7:
		national = digits[len(countryCode):]
	case strings.HasPrefix(digits, "0"):
		national = digits[1:]
	default:
		national = digits
	}

	if len(national) < 7 || len(national) > 10 {
		return "", fmt.Errorf("%w: cannot normalise phone number %q", ErrInvalidRequest, raw)
	}
	return countryCode + national, nil
}

// NationalNumber strips the country code from a normalised MSISDN.
func NationalNumber(msisdn, countryCode string) string {
	return strings.TrimPrefix(msisdn, countryCode)
}
