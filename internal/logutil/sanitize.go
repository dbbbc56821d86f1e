package logutil

import "strings"

// maxLogField caps the length of user-provided values in log lines so a
// pasted blob or a runaway command string cannot flood the log.
const maxLogField = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings (hosts, device paths, commands) so they cannot inject fake log
// entries, and truncates overly long values.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLogField {
		out = out[:maxLogField] + "..."
	}
	return out
}
