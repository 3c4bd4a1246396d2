package logging

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// writablePath mirrors util.WritablePath, which sits above this package in the import graph.
func writablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return filepath.Clean(v)
		}
	}
	return ""
}

// maskSecret keeps a short prefix and suffix of s, proportional to its length.
func maskSecret(s string) string {
	var keep int
	switch n := len(s); {
	case n > 8:
		keep = 4
	case n > 4:
		keep = 2
	case n > 2:
		keep = 1
	default:
		return s
	}
	return s[:keep] + "..." + s[len(s)-keep:]
}

// sensitiveName matches header and query names that carry credentials.
func sensitiveName(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "[]")
	if name == "" {
		return false
	}
	if name == "key" {
		return true
	}
	for _, marker := range []string{"api-key", "apikey", "api_key", "token", "secret"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func maskSensitiveHeaderValue(key, value string) string {
	if strings.Contains(strings.ToLower(key), "authorization") {
		scheme, cred, ok := strings.Cut(strings.TrimSpace(value), " ")
		if !ok {
			return maskSecret(value)
		}
		return scheme + " " + maskSecret(cred)
	}
	if sensitiveName(key) {
		return maskSecret(value)
	}
	return value
}

// maskSensitiveQuery masks credential parameters in a raw query string and
// leaves every other pair byte-for-byte intact.
func maskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := strings.Split(raw, "&")
	for i, pair := range pairs {
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		if !sensitiveName(name) {
			continue
		}
		if dv, errV := url.QueryUnescape(v); errV == nil {
			v = dv
		}
		pairs[i] = k + "=" + url.QueryEscape(maskSecret(strings.TrimSpace(v)))
	}
	return strings.Join(pairs, "&")
}
