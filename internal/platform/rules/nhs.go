package rules

import "strings"

// NormalizeNHSNumber strips spaces and hyphens from an NHS number.
func NormalizeNHSNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// ValidNHSNumber validates a 10-digit NHS number using the Modulus 11 check
// digit algorithm: the first nine digits are weighted 10 down to 2, the
// remainder of the sum mod 11 is subtracted from 11, and the result must equal
// the tenth digit (11 maps to 0; 10 means the number is invalid).
func ValidNHSNumber(s string) bool {
	s = NormalizeNHSNumber(s)
	if len(s) != 10 {
		return false
	}

	sum := 0
	for i := 0; i < 9; i++ {
		d := s[i]
		if d < '0' || d > '9' {
			return false
		}
		sum += int(d-'0') * (10 - i)
	}
	last := s[9]
	if last < '0' || last > '9' {
		return false
	}

	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(last-'0')
}
