// Package utils provides shared helpers for logging, vectors and log-safe text.
package utils

import "unicode/utf8"

// Truncate shortens s to at most maxLen bytes for logs and error messages,
// appending "..." when it cuts. The cut never splits a UTF-8 sequence.
// A maxLen of 0 or less returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
