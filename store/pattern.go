package store

import (
	"path"
	"strings"
)

// MatchPattern matches a slash-segmented identity against a glob pattern.
// Segments use path.Match syntax; "**" matches zero or more whole segments.
func MatchPattern(pattern, identity string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(identity))
}

func splitSegments(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if matchSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// literalPrefix returns the part of pattern before its first wildcard, used to
// narrow backend queries before MatchPattern filters the rows.
func literalPrefix(pattern string) string {
	pattern = strings.Trim(pattern, "/")
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		// "a/**" also matches "a", so the separator is not part of the prefix.
		return strings.TrimRight(pattern[:i], "/")
	}
	return pattern
}
