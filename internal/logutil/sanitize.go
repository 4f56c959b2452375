package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (remote paths, hostnames, usernames) to prevent log injection,
// where an attacker could forge log entries by embedding newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
