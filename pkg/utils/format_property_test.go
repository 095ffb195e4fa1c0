package utils

import (
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// parseCurrency reverses FormatCurrency.
func parseCurrency(s string) float64 {
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, _ := strconv.ParseFloat(s, 64)
	if negative {
		return -v
	}
	return v
}

func TestProperty_CurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("FormatCurrency groups thousands with two decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCurrency(amount)

			body := strings.TrimPrefix(formatted, "-")
			if !strings.HasPrefix(body, "$") {
				t.Logf("missing $ prefix: %s", formatted)
				return false
			}
			parts := strings.Split(strings.TrimPrefix(body, "$"), ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("expected two decimals: %s", formatted)
				return false
			}

			groups := strings.Split(parts[0], ",")
			if len(groups[0]) < 1 || len(groups[0]) > 3 {
				return false
			}
			for _, g := range groups[1:] {
				if len(g) != 3 {
					t.Logf("bad group %q in %s", g, formatted)
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("FormatCurrency preserves value", prop.ForAll(
		func(amount float64) bool {
			parsed := parseCurrency(FormatCurrency(amount))
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.011
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestFormatCurrencyExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "$0.00"},
		{1, "$1.00"},
		{999.99, "$999.99"},
		{1000, "$1,000.00"},
		{123456.789, "$123,456.79"},
		{1000000, "$1,000,000.00"},
		{-1234.56, "-$1,234.56"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := FormatCurrency(tc.amount); result != tc.expected {
				t.Errorf("FormatCurrency(%f) = %s, want %s", tc.amount, result, tc.expected)
			}
		})
	}
}

func TestFormatPnLAndPercent(t *testing.T) {
	if got := FormatPnL(12.5); got != "+$12.50" {
		t.Errorf("FormatPnL(12.5) = %s", got)
	}
	if got := FormatPnL(-3); got != "-$3.00" {
		t.Errorf("FormatPnL(-3) = %s", got)
	}
	if got := FormatPercent(1.5); got != "+1.50%" {
		t.Errorf("FormatPercent(1.5) = %s", got)
	}
	if got := FormatPercent(-2.5); got != "-2.50%" {
		t.Errorf("FormatPercent(-2.5) = %s", got)
	}
}

func TestFormatShares(t *testing.T) {
	testCases := []struct {
		qty      float64
		expected string
	}{
		{0, "0"},
		{10, "10"},
		{1234, "1,234"},
		{1.5, "1.5000"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := FormatShares(tc.qty); result != tc.expected {
				t.Errorf("FormatShares(%v) = %s, want %s", tc.qty, result, tc.expected)
			}
		})
	}
}
