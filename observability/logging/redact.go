package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"signer_key":    {},
	"private_key":   {},
	"bearer_token":  {},
	"jwt_secret":    {},
	"authorization": {},
	"api_key":       {},
	"password":      {},
}

// IsSensitive reports whether the provided key must never be logged verbatim.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the value when the key is sensitive.
func MaskField(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}

// MaskURL strips user info and query parameters from endpoint URLs, which commonly
// embed provider API keys.
func MaskURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return MaskValue(raw)
	}
	parsed.User = nil
	if parsed.RawQuery != "" {
		parsed.RawQuery = "redacted"
	}
	trimmed := strings.TrimSuffix(parsed.Path, "/")
	if segments := strings.Split(trimmed, "/"); len(segments) > 0 {
		// Providers such as Alchemy and Infura put the key in the last path segment.
		last := segments[len(segments)-1]
		if len(last) >= 24 {
			segments[len(segments)-1] = RedactedValue
			parsed.Path = strings.Join(segments, "/")
		}
	}
	return parsed.String()
}
