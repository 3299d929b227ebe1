// Package pii normalizes and hashes personal data the way the Facebook
// Conversions API expects it.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"example.com/landingtrack/internal/domain"
)

// Field names of hashed user data.
const (
	Email     = "em"
	Phone     = "ph"
	FirstName = "fn"
	LastName  = "ln"
	City      = "ct"
	State     = "st"
	Zip       = "zp"
	Country   = "country"
)

var sha256Hex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Normalize applies NFKC, trims and lower-cases v, then the field rule:
// phone and zip keep digits only, state is upper-cased.
func Normalize(field, v string) string {
	v = strings.ToLower(strings.TrimSpace(norm.NFKC.String(v)))
	switch field {
	case Phone, Zip:
		return domain.Digits(v)
	case State:
		return strings.ToUpper(v)
	}
	return v
}

// SHA256 returns the hex digest of s.
func SHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsHashed reports whether v already is a lower-case SHA-256 hex digest.
func IsHashed(v string) bool {
	return sha256Hex.MatchString(v)
}

// Hash normalizes and hashes v for field. Empty input stays empty and values
// that already are digests pass through.
func Hash(field, v string) string {
	if IsHashed(v) {
		return v
	}
	n := Normalize(field, v)
	if n == "" {
		return ""
	}
	return SHA256(n)
}
