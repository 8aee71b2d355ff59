package util

import (
	"net/url"
	"strings"
)

// MaskSensitiveQuery redacts the `key` query parameter (the API key carried
// via `?key=` per the Google API convention) so it never reaches a log line.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if _, ok := values["key"]; !ok {
		return rawQuery
	}
	values.Set("key", "[REDACTED]")
	return values.Encode()
}

// StripKeyParam removes the `key` query parameter entirely, used before a
// request is forwarded to the relay so the credential never leaves the proxy.
func StripKeyParam(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if _, ok := values["key"]; !ok {
		return rawQuery
	}
	values.Del("key")
	return values.Encode()
}

// HideAPIKey returns a partially masked representation of an API key,
// suitable for log lines (e.g. "sk-***89").
func HideAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 6 {
		return "***"
	}
	return key[:3] + "***" + key[len(key)-2:]
}
