package utils

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credentials that must never reach the log file:
// API keys, bearer tokens, and PEM private key material from backend configs.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|private[_-]?key|auth)\s*[:=]\s*['"]?([a-zA-Z0-9_\-+/=]{8,})['"]?`),
	regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-.+/=]{20,})`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([a-zA-Z0-9_\-.+/=]{20,})`),
	regexp.MustCompile(`-----BEGIN[A-Z ]*PRIVATE KEY-----[\s\S]*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// SanitizeLog removes sensitive information from log messages.
func SanitizeLog(message string) string {
	result := message
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.Contains(match, "PRIVATE KEY") {
				return "***REDACTED PRIVATE KEY***"
			}
			if parts := strings.SplitN(match, ":", 2); len(parts) == 2 {
				return parts[0] + ": ***REDACTED***"
			}
			if strings.HasPrefix(strings.ToLower(match), "sk-") {
				return "sk-***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return result
}
