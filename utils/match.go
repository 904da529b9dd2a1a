package utils

import "strings"

// MatchResource checks whether value ("METHOD /path" or a bare path) matches
// pattern. Patterns may carry a method ("GET /drafts/:id", "* /drafts/*") and
// use ':name' for one path segment and '*' for one segment, or for the rest
// of the path when it is the last segment.
func MatchResource(value, pattern string) bool {
	_, ok := MatchRoute(value, pattern)
	return ok
}

// MatchRoute is MatchResource returning the values bound to ':name' segments.
func MatchRoute(value, pattern string) (map[string]string, bool) {
	valMethod, valPath := splitMethod(value)
	patMethod, patPath := splitMethod(pattern)
	if patMethod != "" && patMethod != "*" {
		if !strings.EqualFold(patMethod, valMethod) {
			return nil, false
		}
	}
	return matchPath(valPath, patPath)
}

func splitMethod(s string) (method, path string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return "", s
}

func matchPath(value, pattern string) (map[string]string, bool) {
	vs := segments(value)
	ps := segments(pattern)
	params := map[string]string{}
	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return params, len(vs) >= i
		}
		if i >= len(vs) {
			return nil, false
		}
		switch {
		case p == "*":
		case strings.HasPrefix(p, ":"):
			params[p[1:]] = vs[i]
		case p != vs[i]:
			return nil, false
		}
	}
	if len(vs) != len(ps) {
		return nil, false
	}
	return params, true
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
