package util

import "strings"

// TruncateString truncates a string to maxLen runes (Unicode-safe)
// Uses runes instead of bytes to properly handle multi-byte UTF-8 characters
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// OneLine collapses all whitespace runs, newlines included, into single spaces
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Preview returns a single-line, truncated form of s for log output
func Preview(s string, maxLen int) string {
	return TruncateString(OneLine(s), maxLen)
}
