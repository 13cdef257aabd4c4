package conversation

import "strings"

const cpfLength = 11

// ParseCPF extracts the digits of a CPF typed by a patient. Only digits and
// the usual separators are tolerated. ok is false when the value is not a
// well-formed CPF with valid check digits.
func ParseCPF(input string) (cpf string, ok bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(input) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == ' ' || r == '/':
		default:
			return "", false
		}
	}
	digits := b.String()
	if !ValidCPF(digits) {
		return "", false
	}
	return digits, true
}

// ValidCPF applies the mod 11 check digit rule to an 11 digit string.
func ValidCPF(digits string) bool {
	if len(digits) != cpfLength {
		return false
	}
	allSame := true
	for i := 0; i < cpfLength; i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
		if digits[i] != digits[0] {
			allSame = false
		}
	}
	if allSame {
		return false
	}
	return checkDigit(digits[:9]) == digits[9] && checkDigit(digits[:10]) == digits[10]
}

// checkDigit computes the next CPF check digit for the given prefix.
func checkDigit(prefix string) byte {
	sum := 0
	weight := len(prefix) + 1
	for i := 0; i < len(prefix); i++ {
		sum += int(prefix[i]-'0') * weight
		weight--
	}
	rest := sum % 11
	if rest < 2 {
		return '0'
	}
	return byte('0' + 11 - rest)
}

// FormatCPF renders 00000000000 as 000.000.000-00.
func FormatCPF(digits string) string {
	if len(digits) != cpfLength {
		return digits
	}
	return digits[0:3] + "." + digits[3:6] + "." + digits[6:9] + "-" + digits[9:]
}
