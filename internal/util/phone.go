package util

import "strings"

// DefaultCountryCode is prefixed to national numbers.
const DefaultCountryCode = "57"

// NormalizePhone strips everything but digits and prefixes the default
// country code unless the number already carries it. Numbers with fewer than
// 7 digits are rejected with "".
func NormalizePhone(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:")
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 {
		return ""
	}
	if strings.HasPrefix(digits, DefaultCountryCode) && len(digits) >= 12 {
		return digits
	}
	return DefaultCountryCode + digits
}
