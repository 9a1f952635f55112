package vault

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

type IdentifierKind string

const (
	KindPhone IdentifierKind = "phone"
	KindEmail IdentifierKind = "email"
)

func (k IdentifierKind) Valid() bool {
	return k == KindPhone || k == KindEmail
}

// Identifier is a normalized phone number or email address.
type Identifier struct {
	Kind  IdentifierKind
	Value string

	countryCode string
}

// NormalizePhone strips formatting and a leading country code. Ten-digit national numbers are
// what the system stores and hashes.
func NormalizePhone(raw, countryCode string) (Identifier, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)

	cc := strings.TrimPrefix(countryCode, "+")
	if len(digits) > 10 && cc != "" && strings.HasPrefix(digits, cc) {
		digits = digits[len(cc):]
	}
	digits = strings.TrimLeft(digits, "0")

	if len(digits) != 10 {
		return Identifier{}, fmt.Errorf("invalid phone number")
	}

	return Identifier{Kind: KindPhone, Value: digits, countryCode: "+" + cc}, nil
}

func NormalizeEmail(raw string) (Identifier, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))

	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return Identifier{}, fmt.Errorf("invalid email address")
	}

	return Identifier{Kind: KindEmail, Value: trimmed}, nil
}

func Normalize(kind IdentifierKind, raw, countryCode string) (Identifier, error) {
	switch kind {
	case KindPhone:
		return NormalizePhone(raw, countryCode)
	case KindEmail:
		return NormalizeEmail(raw)
	default:
		return Identifier{}, fmt.Errorf("unknown identifier kind %q", kind)
	}
}

// Formatted is the form shown back to the user and handed to delivery.
func (i Identifier) Formatted() string {
	if i.Kind == KindPhone && i.countryCode != "" && i.countryCode != "+" {
		return i.countryCode + " " + i.Value
	}
	return i.Value
}
