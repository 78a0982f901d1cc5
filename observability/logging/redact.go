package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// plainKeys are emitted verbatim. Everything else passed through MaskField is
// treated as a secret.
var plainKeys = map[string]bool{
	"service":   true,
	"env":       true,
	"component": true,
	"operation": true,
	"outcome":   true,
	"caller":    true,
	"address":   true,
	"factory":   true,
	"token":     true,
	"error":     true,
	"reason":    true,
}

// IsAllowlisted reports whether key may be logged unmasked.
func IsAllowlisted(key string) bool {
	return plainKeys[strings.ToLower(strings.TrimSpace(key))]
}

// MaskValue hides a non-empty value. Empty values pass through so a missing
// secret stays visible as missing.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a log attribute, masking the value unless key is plain.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
