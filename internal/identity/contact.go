// Package identity decides which canonical identifier a resume belongs to.
// The relational store is the only source of identity; every other store
// adopts what this package resolves.
package identity

import (
	"strings"
	"unicode"
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps only the digits of a phone number. A result of ""
// means the input carries no phone signal.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Contact is the identity-bearing projection of one stored person.
type Contact struct {
	Identifier string
	Email      string
	Phone      string
}

// Normalized returns c with email and phone in comparison form.
func (c Contact) Normalized() Contact {
	return Contact{
		Identifier: c.Identifier,
		Email:      NormalizeEmail(c.Email),
		Phone:      NormalizePhone(c.Phone),
	}
}

// Empty reports whether c has no usable contact signal.
func (c Contact) Empty() bool {
	n := c.Normalized()
	return n.Email == "" && n.Phone == ""
}
