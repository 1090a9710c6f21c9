// Package redact removes credentials from provider messages before they are
// persisted on a task, logged, or returned to API callers. Provider error text
// is otherwise preserved so users can see why a generation failed.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Constants for redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
)

// MaxMessageLength bounds messages persisted on tasks, in runes.
const MaxMessageLength = 1024

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order; earlier rules see the raw text.
var rules = []rule{
	// user:password@ in any URL
	{
		regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/@\s:]+(?::[^/@\s]*)?@`),
		"${1}" + RedactedCredentialPlaceholder + "@",
	},
	// signatures on pre-signed storage URLs
	{
		regexp.MustCompile(`(?i)([?&](?:x-goog-signature|x-amz-signature|signature|sig)=)[^&\s"']+`),
		"${1}" + RedactionPlaceholder,
	},
	// key=..., api_key: ..., token=...
	{
		regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|key)(\s*[:=]\s*['"]?)[A-Za-z0-9_\-.~+/]{8,}`),
		"${1}${2}" + RedactedKeyPlaceholder,
	},
	// Google API keys
	{regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`), RedactedKeyPlaceholder},
	// AWS access key ids
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), RedactedKeyPlaceholder},
	// Authorization header values
	{
		regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9_\-.~+/]+=*`),
		"${1}" + RedactedTokenPlaceholder,
	},
	// bare JWTs
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), RedactedEmailPlaceholder},
}

// String redacts credentials from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.replacement)
	}
	return result
}

// Error redacts credentials from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Message prepares a provider message for persistence: redacted, trimmed and
// bounded to MaxMessageLength runes.
func Message(input string) string {
	result := strings.TrimSpace(String(input))
	if utf8.RuneCountInString(result) <= MaxMessageLength {
		return result
	}
	runes := []rune(result)
	return string(runes[:MaxMessageLength-3]) + "..."
}
