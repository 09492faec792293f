package webhook

import "strings"

// Match matches a stream path against a subscription pattern.
// "*" matches exactly one path segment, "**" matches zero or more; a
// literal "%2A" segment matches a literal "*".
func Match(pattern, path string) bool {
	return matchSegments(segments(pattern), segments(path))
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	switch pattern[0] {
	case "**":
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(path) > 0 && matchSegments(pattern[1:], path[1:])
	default:
		if len(path) == 0 {
			return false
		}
		lit := strings.ReplaceAll(pattern[0], "%2A", "*")
		lit = strings.ReplaceAll(lit, "%2a", "*")
		return lit == path[0] && matchSegments(pattern[1:], path[1:])
	}
}
