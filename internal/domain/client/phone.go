package client

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Validation errors returned to the staff-creation flow. These are data
// errors: returned to the caller, never retried.
var (
	ErrInvalidPhone    = errors.New("phone number is not a valid Uzbek number")
	ErrInvalidFullName = errors.New("full name must be 2-100 letters, spaces, hyphens or apostrophes")
	ErrAddressTooLong  = errors.New("address exceeds 500 characters")
	ErrInvalidLanguage = errors.New("language must be uz or ru")
)

var nonDigit = regexp.MustCompile(`[^0-9]`)

// fullNamePattern permits letters in any script plus space, hyphen and
// apostrophe. Length bounds are checked separately in runes.
var fullNamePattern = regexp.MustCompile(`^[\p{L}](?:[\p{L} '-]*[\p{L}])?$`)

// NormalisePhone converts a raw phone string to the canonical
// +998XXXXXXXXX form.
//
//	901234567     -> +998901234567
//	998901234567  -> +998901234567
//	+998901234567 -> +998901234567
//
// Anything else is rejected with ErrInvalidPhone.
func NormalisePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	hadPlus := strings.HasPrefix(trimmed, "+")
	digits := nonDigit.ReplaceAllString(trimmed, "")

	switch {
	case len(digits) == 9 && !hadPlus:
		return "+998" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "998"):
		return "+" + digits, nil
	default:
		return "", ErrInvalidPhone
	}
}

// UnprefixedPhone returns the bare 998XXXXXXXXX form of a normalised phone,
// used to match legacy rows stored without the plus prefix.
func UnprefixedPhone(normalised string) string {
	return strings.TrimPrefix(normalised, "+")
}

// ValidateFullName enforces the client full-name rules: 2-100 runes drawn
// from letters, spaces, hyphens and apostrophes, starting and ending with a
// letter.
func ValidateFullName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 {
		return ErrInvalidFullName
	}
	if !fullNamePattern.MatchString(name) {
		return ErrInvalidFullName
	}
	return nil
}

// ValidateAddress enforces the optional address bound of 500 runes.
func ValidateAddress(address string) error {
	if utf8.RuneCountInString(address) > 500 {
		return ErrAddressTooLong
	}
	return nil
}
