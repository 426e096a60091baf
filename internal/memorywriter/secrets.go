package memorywriter

import "regexp"

// secretPatterns flags a candidate memory value as a secret the writer must
// never persist. Style mirrors internal/memory/hooks.go's dense
// memoryTriggers regex list: one compiled pattern per concern, checked in
// sequence, first match wins.
var secretPatterns = []*regexp.Regexp{
	// Common API key prefixes (OpenAI, Anthropic, Stripe, Slack, GitHub...).
	regexp.MustCompile(`(?i)\b(sk|pk|rk)-[a-zA-Z0-9_-]{16,}\b`),
	regexp.MustCompile(`(?i)\bsk-ant-[a-zA-Z0-9_-]{10,}\b`),
	regexp.MustCompile(`(?i)\bgh[pousr]_[a-zA-Z0-9]{16,}\b`),
	regexp.MustCompile(`(?i)\bxox[baprs]-[a-zA-Z0-9-]{10,}\b`),

	// AWS access keys.
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\baws_secret_access_key\b`),

	// PEM-encoded key/certificate blocks.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`-----BEGIN CERTIFICATE-----`),

	// JWTs (three base64url segments).
	regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),

	// Bearer/basic auth headers and generic key=value secret phrasing.
	regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._-]{10,}\b`),
	regexp.MustCompile(`(?i)\b(api[_ -]?key|secret|password|passwd|token|credential)s?\s*[:=]\s*\S{6,}`),
}

// looksLikeSecret reports whether value matches any secret pattern.
func looksLikeSecret(value string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
