package invoice

import (
	"fmt"
	"strconv"
	"strings"
)

// Number is an invoice number in the form YYYY-NNNN.
type Number string

// FormatNumber builds the number for an ordinal within a year. Ordinals past
// 9999 keep their full width.
func FormatNumber(year, ordinal int) Number {
	return Number(fmt.Sprintf("%04d-%04d", year, ordinal))
}

// ParseNumber splits a number into its year and ordinal.
func ParseNumber(s string) (year, ordinal int, err error) {
	yearPart, ordPart, ok := strings.Cut(s, "-")
	if !ok || len(yearPart) != 4 || len(ordPart) < 4 || !isDigits(yearPart) || !isDigits(ordPart) {
		return 0, 0, fmt.Errorf("invalid invoice number %q", s)
	}
	year, _ = strconv.Atoi(yearPart)
	ordinal, err = strconv.Atoi(ordPart)
	if err != nil || ordinal < 1 {
		return 0, 0, fmt.Errorf("invalid invoice number %q", s)
	}
	return year, ordinal, nil
}

// Year returns the year component, or 0 for a malformed number.
func (n Number) Year() int {
	y, _, err := ParseNumber(string(n))
	if err != nil {
		return 0
	}
	return y
}

// Valid reports whether n follows the YYYY-NNNN format.
func (n Number) Valid() bool {
	_, _, err := ParseNumber(string(n))
	return err == nil
}

func (n Number) String() string { return string(n) }

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
