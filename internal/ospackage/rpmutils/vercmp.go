package rpmutils

import (
	"fmt"
	"strings"
)

// maxNumericDigits is the largest digit count the two-digit length prefix
// can express.
const maxNumericDigits = 99

// EncodingError reports a version or release string that cannot be
// encoded into a sort index.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %q: %s", e.Field, e.Reason)
}

// Encode turns an RPM version or release string into a string whose
// byte-wise order matches rpm's vercmp ordering.
//
// Each dot-separated segment is split into runs of digits and runs of
// ASCII letters; every other byte separates runs. A numeric run becomes
// its two-digit length, '-', then its value without leading zeroes
// ("010" -> "02-10"). A letter run becomes '$' followed by the run, so
// numbers always sort after letters. Runs are joined with '.'.
func Encode(field string) (string, error) {
	if field == "" {
		return "", &EncodingError{Field: field, Reason: "empty value"}
	}

	var pieces []string
	for _, segment := range strings.Split(field, ".") {
		i := 0
		for i < len(segment) {
			c := segment[i]
			switch {
			case isDigit(c):
				j := i
				for j < len(segment) && isDigit(segment[j]) {
					j++
				}
				piece, err := encodeNumber(field, segment[i:j])
				if err != nil {
					return "", err
				}
				pieces = append(pieces, piece)
				i = j
			case isAlpha(c):
				j := i
				for j < len(segment) && isAlpha(segment[j]) {
					j++
				}
				pieces = append(pieces, "$"+segment[i:j])
				i = j
			default:
				i++
			}
		}
	}
	return strings.Join(pieces, "."), nil
}

func encodeNumber(field, run string) (string, error) {
	value := strings.TrimLeft(run, "0")
	if value == "" {
		value = "0"
	}
	if len(value) > maxNumericDigits {
		return "", &EncodingError{
			Field:  field,
			Reason: fmt.Sprintf("numeric run of %d digits exceeds %d", len(value), maxNumericDigits),
		}
	}
	return fmt.Sprintf("%02d-%s", len(value), value), nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
