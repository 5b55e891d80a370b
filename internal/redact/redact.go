// Package redact scrubs secrets from text destined for logs, audit
// entries, and error messages. Router passwords, API keys, and session
// tokens must never leave the process in cleartext.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// Patterns for secrets that show up in vendor API traffic and config.
var sensitivePatterns = []*regexp.Regexp{
	// Basic/Bearer authorization headers
	regexp.MustCompile(`(?i)(authorization:\s*)(basic|bearer)?\s*[a-zA-Z0-9\-_.~+/]+=*`),
	// password fields in query strings, JSON, and uci commands
	regexp.MustCompile(`(?i)(password["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(passwordfld["'\s:=]+)\S+`),
	// API keys and LuCI auth tokens
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[a-zA-Z0-9\-_.]{8,}`),
	regexp.MustCompile(`(?i)(auth=)[a-zA-Z0-9]{16,}`),
	// session cookies
	regexp.MustCompile(`(?i)(set-cookie:\s*\w+=)[^;\s]+`),
	// private key blocks (SSH credentials for ASUS/OpenWRT targets)
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

var credentialKeyWords = []string{
	"password", "secret", "token", "api_key", "apikey", "passphrase",
	"private_key", "credential", "community",
}

// Sanitize scrubs secret values from text, preserving the prefix label
// where possible for readability.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				return match[loc[2]:loc[3]] + placeholder
			}
			return placeholder
		})
	}
	return result
}

// ContainsSecret reports whether text likely carries sensitive data.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// IsCredentialKey reports whether a parameter name suggests it holds a
// secret.
func IsCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range credentialKeyWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ParamSummary renders a parameter map as a stable "k=v" line with
// secret-looking values masked. Used for audit entries.
func ParamSummary(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if IsCredentialKey(k) {
			parts = append(parts, k+"="+placeholder)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return Sanitize(strings.Join(parts, " "))
}
