package messaging

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultCountryCode is prefixed to national numbers.
	DefaultCountryCode = "55"
	// MaxMessageRunes bounds inbound text handed to the conversation engine.
	MaxMessageRunes = 1000

	nationalMobileDigits = 11
)

var transportSuffixes = []string{"@c.us", "@s.whatsapp.net", "@g.us", "@lid", "@broadcast"}

// NormalizePhone canonicalizes a WhatsApp phone into digits only.
// Transport suffixes are stripped and an 11 digit national number gets the
// Brazilian country code. Empty input yields an empty string.
func NormalizePhone(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	lower := strings.ToLower(value)
	for _, suffix := range transportSuffixes {
		if idx := strings.Index(lower, suffix); idx >= 0 {
			value = value[:idx]
			lower = lower[:idx]
		}
	}
	// device suffixes such as 5531999998888:12@s.whatsapp.net
	if idx := strings.IndexByte(value, ':'); idx >= 0 {
		value = value[:idx]
	}
	digits := sanitizePhone(value)
	if len(digits) == nationalMobileDigits {
		digits = DefaultCountryCode + digits
	}
	return digits
}

// FormatWhatsAppRecipient returns the phone in the form Z-API expects.
func FormatWhatsAppRecipient(phone string) string {
	digits := NormalizePhone(phone)
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, DefaultCountryCode) {
		digits = DefaultCountryCode + digits
	}
	return digits
}

// NormalizeText cleans inbound message text. The boolean reports whether the
// text was truncated to MaxMessageRunes.
func NormalizeText(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "")
	}

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	pendingNewline := false
	for _, r := range raw {
		switch {
		case r == '\n' || r == '\r':
			pendingNewline = true
			pendingSpace = false
		case r == '\t' || unicode.IsSpace(r):
			if !pendingNewline {
				pendingSpace = true
			}
		case unicode.IsControl(r) || r == '\u200b' || r == '\ufeff':
			// dropped
		default:
			if b.Len() > 0 {
				if pendingNewline {
					b.WriteByte('\n')
				} else if pendingSpace {
					b.WriteByte(' ')
				}
			}
			pendingSpace = false
			pendingNewline = false
			b.WriteRune(r)
		}
	}

	text := b.String()
	truncated := false
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxMessageRunes]))
		truncated = true
	}
	return text, truncated
}

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
