package scope

import "strings"

// matchHostPattern matches a host name against a pattern split on dots.
// "*" matches one label, "**" any number of labels, and "*" inside a
// label matches any run of characters.
func matchHostPattern(host, pattern string) bool {
	return matchLabels(strings.Split(host, "."), strings.Split(pattern, "."))
}

// matchLabels recursively matches host labels against pattern labels.
func matchLabels(host, pattern []string) bool {
	if len(pattern) == 0 {
		return len(host) == 0
	}

	p := pattern[0]
	rest := pattern[1:]

	switch p {
	case "**":
		if len(rest) == 0 {
			return true
		}
		for i := 0; i <= len(host); i++ {
			if matchLabels(host[i:], rest) {
				return true
			}
		}
		return false

	default:
		if len(host) == 0 {
			return false
		}
		if !matchLabel(host[0], p) {
			return false
		}
		return matchLabels(host[1:], rest)
	}
}

// matchLabel matches a single label against a pattern label.
func matchLabel(label, pattern string) bool {
	if pattern == "*" || pattern == label {
		return true
	}
	if strings.Contains(pattern, "*") {
		return matchWildcard(label, pattern)
	}
	return false
}

// matchWildcard matches a label against a pattern containing * wildcards.
func matchWildcard(s, pattern string) bool {
	parts := strings.Split(pattern, "*")
	pos := 0

	for i, part := range parts {
		if part == "" {
			continue
		}

		if i == 0 {
			if !strings.HasPrefix(s, part) {
				return false
			}
			pos = len(part)
			continue
		}

		if i == len(parts)-1 && !strings.HasSuffix(pattern, "*") {
			if !strings.HasSuffix(s[pos:], part) {
				return false
			}
			continue
		}

		idx := strings.Index(s[pos:], part)
		if idx == -1 {
			return false
		}
		pos += idx + len(part)
	}

	return true
}
