package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// US equity tickers, optionally with a share class suffix (BRK.B, BF-B).
	symbolPattern = regexp.MustCompile(`^[A-Z]{1,5}([.-][A-Z]{1,2})?$`)

	// API key patterns for detection (not validation)
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer)[=:\s]+["']?([A-Za-z0-9_\-\.]{16,})["']?`),
		regexp.MustCompile(`\b(PK|AK)[A-Z0-9]{16,}\b`), // Alpaca key ids
		regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`),     // Generic long tokens
	}
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// NormalizeSymbol trims and upper-cases a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol validates a ticker after normalization.
func ValidateSymbol(symbol string) error {
	symbol = NormalizeSymbol(symbol)

	if symbol == "" {
		return &ValidationError{Field: "symbol", Value: symbol, Message: "symbol cannot be empty"}
	}
	if len(symbol) > 8 {
		return &ValidationError{Field: "symbol", Value: symbol, Message: "symbol too long (max 8 characters)"}
	}
	if !symbolPattern.MatchString(symbol) {
		return &ValidationError{Field: "symbol", Value: symbol, Message: "invalid symbol format"}
	}
	return nil
}

// ValidateText rejects text longer than maxLen or holding control characters.
func ValidateText(field, text string, maxLen int) error {
	if len(text) > maxLen {
		return &ValidationError{Field: field, Value: text, Message: fmt.Sprintf("too long (max %d characters)", maxLen)}
	}
	for _, r := range text {
		if r < 0x20 && r != '\t' {
			return &ValidationError{Field: field, Value: text, Message: "contains control characters"}
		}
	}
	return nil
}

// MaskSensitive masks sensitive data in a string.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, MaskCredential)
	}
	return result
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
