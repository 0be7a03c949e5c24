package dispatch

import "strings"

// MatchPattern reports whether the dot separated id matches pattern.
//
//	?   exactly one character other than '.'
//	*   zero or more characters within one segment
//	**  zero or more characters across segments
//
// Everything else matches literally.
func MatchPattern(pattern, id string) bool {
	for len(pattern) > 0 {
		switch {
		case strings.HasPrefix(pattern, "**"):
			rest := strings.TrimLeft(pattern, "*")
			for i := 0; i <= len(id); i++ {
				if MatchPattern(rest, id[i:]) {
					return true
				}
			}
			return false
		case pattern[0] == '*':
			rest := pattern[1:]
			for i := 0; i <= len(id); i++ {
				if MatchPattern(rest, id[i:]) {
					return true
				}
				if i < len(id) && id[i] == '.' {
					return false
				}
			}
			return false
		case pattern[0] == '?':
			if len(id) == 0 || id[0] == '.' {
				return false
			}
		default:
			if len(id) == 0 || pattern[0] != id[0] {
				return false
			}
		}
		pattern, id = pattern[1:], id[1:]
	}
	return len(id) == 0
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if MatchPattern(p, id) {
			return true
		}
	}
	return false
}
