package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys never reach the log in clear. Confidential handles are safe
// to log; plaintext amounts revealed to a principal and credentials are not.
var sensitiveKeys = map[string]struct{}{
	"passphrase":    {},
	"password":      {},
	"token":         {},
	"authorization": {},
	"apikey":        {},
	"api_key":       {},
	"secret":        {},
	"plaintext":     {},
	"revealed":      {},
}

// IsSensitive reports whether values under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Redact masks attr when its key is sensitive. Groups are walked recursively.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		masked := make([]any, 0, len(group))
		for _, nested := range group {
			masked = append(masked, Redact(nested))
		}
		return slog.Group(attr.Key, masked...)
	}
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
