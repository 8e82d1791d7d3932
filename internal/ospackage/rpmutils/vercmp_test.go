package rpmutils

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	gorpm "github.com/sassoftware/go-rpmutils"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"9", "01-9"},
		{"10", "02-10"},
		{"010", "02-10"},
		{"000", "01-0"},
		{"1.001", "01-1.01-1"},
		{"1.1", "01-1.01-1"},
		{"12a3bc", "02-12.$a.01-3.$bc"},
		{"2a", "01-2.$a"},
		{"2.0", "01-2.01-0"},
		{"1_2", "01-1.01-2"},
		{"5.2.el9_1", "01-5.01-2.$el.01-9.01-1"},
		{"Beta", "$Beta"},
		{"1..2", "01-1.01-2"},
		{strings.Repeat("0", 150) + "7", "01-7"},
	}
	for _, tc := range tests {
		got, err := Encode(tc.in)
		if err != nil {
			t.Errorf("Encode(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Encode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"hundred digits", "1" + strings.Repeat("0", 99)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.in)
			var encErr *EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("Encode(%q) error = %v, want *EncodingError", tc.in, err)
			}
		})
	}

	// 99 digits is still encodable.
	if _, err := Encode(strings.Repeat("9", 99)); err != nil {
		t.Errorf("99-digit run rejected: %v", err)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	for _, v := range []string{"1.2.3", "12a3bc", "2.fc39"} {
		a, _ := Encode(v)
		b, _ := Encode(v)
		if a != b {
			t.Errorf("Encode(%q) not deterministic: %q != %q", v, a, b)
		}
	}
}

func TestEncodeNumericOrder(t *testing.T) {
	for a := 0; a < 300; a += 7 {
		for b := a + 1; b < 1200; b += 13 {
			ea, _ := Encode(strconv.Itoa(a))
			eb, _ := Encode(strconv.Itoa(b))
			if !(ea < eb) {
				t.Fatalf("Encode(%d)=%q not < Encode(%d)=%q", a, ea, b, eb)
			}
		}
	}
}

func TestEncodeNumbersOutrankLetters(t *testing.T) {
	num, _ := Encode("2.0")
	alpha, _ := Encode("2a")
	if !(num > alpha) {
		t.Errorf("Encode(2.0)=%q should sort after Encode(2a)=%q", num, alpha)
	}
}

// TestEncodeMatchesVercmp checks the encoded ordering against rpm's own
// comparison for pairs within the supported alphabet.
func TestEncodeMatchesVercmp(t *testing.T) {
	pairs := [][2]string{
		{"9", "10"},
		{"1.0", "1.1"},
		{"1.0", "1.0.1"},
		{"1.2.3", "1.10"},
		{"2a", "2.0"},
		{"1.001", "1.1"},
		{"abc", "abd"},
		{"1a", "1b"},
		{"5.2", "5.15"},
		{"0.9", "1"},
		{"2.0.1", "2.1"},
		{"fc38", "fc39"},
		{"1.el8", "1.el9"},
		{"10.el9", "9.el9"},
		{"1.el8_4", "1.el8_5"},
		{"3.6.8", "3.6.8"},
	}
	for _, p := range pairs {
		ea, err := Encode(p[0])
		if err != nil {
			t.Fatalf("Encode(%q): %v", p[0], err)
		}
		eb, err := Encode(p[1])
		if err != nil {
			t.Fatalf("Encode(%q): %v", p[1], err)
		}
		want := gorpm.Vercmp(p[0], p[1])
		got := strings.Compare(ea, eb)
		if got != want {
			t.Errorf("order(%q, %q): encoded %d, vercmp %d (%q vs %q)", p[0], p[1], got, want, ea, eb)
		}
	}
}
