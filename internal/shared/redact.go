package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule pairs a pattern with how much of the match to keep. A rule
// with keepPrefix keeps submatch 1 (the "api_key:" style label) and
// replaces only the value after it.
type secretRule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretRules = []secretRule{
	// Anthropic API keys anywhere in the string.
	{re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	// Labeled secrets: api_key: "...", auth_token=..., secret-key: ...
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepPrefix: true},
	// Authorization headers.
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
	// UUID-shaped tokens behind auth labels.
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), keepPrefix: true},
}

// Redact scrubs secret-bearing substrings. It runs on tool output and on
// log attribute values before either leaves the process.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range secretRules {
		rule := rule
		out = rule.re.ReplaceAllStringFunc(out, func(match string) string {
			if rule.keepPrefix {
				if sub := rule.re.FindStringSubmatch(match); len(sub) >= 3 {
					return sub[1] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

// sensitiveKeyTokens flag env/attr names whose whole value is a secret.
var sensitiveKeyTokens = []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"}

// SensitiveKey reports whether a key name looks like it names a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactEnvValue hides the value entirely when the key names a secret.
func RedactEnvValue(key, value string) string {
	if SensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
