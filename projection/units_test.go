package projection

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(0), 18, "0"},
		{big.NewInt(150), 2, "1.5"},
		{big.NewInt(100), 2, "1"},
		{big.NewInt(7), 3, "0.007"},
		{big.NewInt(42), 0, "42"},
		{nil, 6, "0"},
	}
	for _, tc := range cases {
		if got := FormatUnits(tc.amount, tc.decimals); got != tc.want {
			t.Fatalf("FormatUnits(%v, %d): expected %q, got %q", tc.amount, tc.decimals, tc.want, got)
		}
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		text     string
		decimals uint8
		want     string
	}{
		{"1.5", 2, "150"},
		{"1.50", 2, "150"},
		{" 3 ", 2, "300"},
		{"0.007", 3, "7"},
		{"42", 0, "42"},
		{"15e-1", 2, "150"},
		{"0", 18, "0"},
		{"1", 18, "1000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.text, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q, %d): %v", tc.text, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q, %d): expected %s, got %s", tc.text, tc.decimals, tc.want, got)
		}
		if back, err := ParseUnits(FormatUnits(got, tc.decimals), tc.decimals); err != nil || back.Cmp(got) != 0 {
			t.Fatalf("round trip of %q failed: %v %v", tc.text, back, err)
		}
	}
}

func TestParseUnitsRejects(t *testing.T) {
	huge := "1" + strings.Repeat("0", 80)
	cases := []struct {
		name     string
		text     string
		decimals uint8
	}{
		{"empty", "", 2},
		{"garbage", "ten", 2},
		{"negative", "-1", 2},
		{"too precise", "1.234", 2},
		{"fraction without decimals", "0.5", 0},
		{"overflow", huge, 0},
		{"tiny exponent", "1e-2000000000", 18},
		{"huge exponent", "1e2000000000", 0},
		{"too long", "1." + strings.Repeat("0", 300), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUnits(tc.text, tc.decimals)
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}
