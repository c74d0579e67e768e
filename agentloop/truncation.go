package agentloop

import (
	"fmt"
	"unicode/utf8"
)

// DefaultMaxReadChars caps the characters returned by a single file read.
const DefaultMaxReadChars = 10000

// readTruncationNotice is appended to a read that hit the character cap.
func readTruncationNotice(path string, limit int) string {
	return fmt.Sprintf(`[...File "%s" truncated at %d characters]`, path, limit)
}

// TruncateRunes returns at most maxRunes runes of s and whether anything was
// cut off. A non-positive maxRunes disables truncation.
func TruncateRunes(s string, maxRunes int) (string, bool) {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i], true
		}
		n++
	}
	return s, false
}

// logPreview shortens tool output for log lines.
func logPreview(s string) string {
	const maxPreview = 200
	if out, cut := TruncateRunes(s, maxPreview); cut {
		return out + "..."
	}
	return s
}
