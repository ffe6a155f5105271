package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	wei := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		return v
	}

	cases := []struct {
		name     string
		amount   *big.Int
		decimals uint8
		want     string
	}{
		{"one and a half ether", wei("1500000000000000000"), 18, "1.5"},
		{"whole value trims the point", wei("2000000000000000000"), 18, "2"},
		{"sub-unit value pads leading zeros", wei("1"), 18, "0.000000000000000001"},
		{"trailing zeros trimmed", wei("1230000"), 6, "1.23"},
		{"zero", big.NewInt(0), 18, "0"},
		{"nil treated as zero", nil, 18, "0"},
		{"negative", wei("-1500000000000000000"), 18, "-1.5"},
		{"zero decimals", big.NewInt(42), 0, "42"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatUnits(tc.amount, tc.decimals))
		})
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		decimals uint8
		want     string
	}{
		{"decimal", "1.5", 18, "1500000000000000000"},
		{"whole", "2", 18, "2000000000000000000"},
		{"leading dot", ".5", 6, "500000"},
		{"whitespace tolerated", " 1.23 ", 6, "1230000"},
		{"negative", "-1.5", 18, "-1500000000000000000"},
		{"full precision", "0.000000000000000001", 18, "1"},
		{"zero decimals", "42", 0, "42"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseUnits(tc.in, tc.decimals)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestParseUnitsRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		decimals uint8
	}{
		{"empty", "", 18},
		{"excess precision", "1.0000001", 6},
		{"not a number", "abc", 18},
		{"garbage fraction", "1.2x", 18},
		{"double dot", "1.2.3", 18},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseUnits(tc.in, tc.decimals)
			assert.Error(t, err)
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, raw := range []string{"1", "1000", "1500000000000000000", "999999999999999999"} {
		v, ok := new(big.Int).SetString(raw, 10)
		require.True(t, ok)

		back, err := ParseUnits(FormatUnits(v, 18), 18)
		require.NoError(t, err)
		assert.Equal(t, raw, back.String())
	}
}
