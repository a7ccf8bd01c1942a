package library

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeISBN validates an ISBN-10 or ISBN-13 and returns its ISBN-13 form.
// Hyphens and spaces are ignored and full-width digits are accepted.
func NormalizeISBN(raw string) (string, error) {
	s := norm.NFKC.String(raw)
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, s)
	s = strings.ToUpper(s)

	switch len(s) {
	case 10:
		if !validISBN10(s) {
			return "", invalid("isbn", "bad ISBN-10 checksum or characters")
		}
		body := "978" + s[:9]
		return body + string(isbn13CheckDigit(body)), nil
	case 13:
		if !allDigits(s) || isbn13CheckDigit(s[:12]) != s[12] {
			return "", invalid("isbn", "bad ISBN-13 checksum or characters")
		}
		return s, nil
	default:
		return "", invalid("isbn", "must have 10 or 13 digits")
	}
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func validISBN10(s string) bool {
	sum := 0
	for i := 0; i < 10; i++ {
		c := s[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += v * (10 - i)
	}
	return sum%11 == 0
}

// isbn13CheckDigit computes the check digit for the first twelve digits.
func isbn13CheckDigit(body string) byte {
	sum := 0
	for i := 0; i < 12; i++ {
		d := int(body[i] - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}
