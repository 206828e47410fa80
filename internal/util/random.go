// Package util holds small helpers shared by the store, transport and CLI
// layers.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// IDs are row keys, not secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}
