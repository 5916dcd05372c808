package daemon

import "strings"

const maxNameLen = 64

// sanitizeName implements spec.md §3's session-name rule: 1-64 chars from
// [A-Za-z0-9_-], non-matching characters dropped, truncated to 64, and
// rejected if the result is empty.
func sanitizeName(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= maxNameLen {
			break
		}
	}
	name := b.String()
	if name == "" {
		return "", false
	}
	return name, true
}
