package shared

import (
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing patterns in log/error strings.
// Push credentials are opaque UUIDs travelling in query strings and form
// fields, so the token=... shapes matter most here.
var secretPatterns = []*regexp.Regexp{
	// key-like prefixes followed by a long opaque value
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// credential tokens in query strings and form bodies
	regexp.MustCompile(`(?i)(token)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
	// telegram bot tokens
	regexp.MustCompile(`\d{8,10}:[A-Za-z0-9_-]{35}`),
}

// Redact replaces secret-bearing patterns in the input with [REDACTED],
// keeping the key prefix so operators can still see what was scrubbed.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}
