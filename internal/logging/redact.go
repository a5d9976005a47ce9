package logging

import (
	"regexp"
	"strings"
)

var (
	oauthTokenRe  = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	bearerTokenRe = regexp.MustCompile(`(?i)bearer\s+[^\s;]+`)
	longTokenRe   = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

const tokenPrefixLen = 6

// TokenPrefix returns a loggable prefix of a secret.
func TokenPrefix(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= tokenPrefixLen {
		return strings.Repeat("*", len(token))
	}
	return token[:tokenPrefixLen] + "…"
}

// Sanitize collapses whitespace, redacts anything that looks like a credential
// and truncates to max bytes (no limit when max <= 0).
func Sanitize(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")

	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = bearerTokenRe.ReplaceAllString(s, "Bearer [REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
