package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"handle":    {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskEmail keeps the domain of an address so operators can spot provider
// issues without logging the mailbox.
func MaskEmail(key, email string) slog.Attr {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return slog.String(key, "")
	}
	_, domain, found := strings.Cut(trimmed, "@")
	if !found || domain == "" {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, RedactedValue+"@"+strings.ToLower(domain))
}
