package matcher

import "github.com/bmatcuk/doublestar/v4"

// Matcher filters slash-separated relative paths through include/exclude
// glob patterns (doublestar syntax, so "**" crosses directories).
type Matcher struct{ include, exclude []string }

func New(include, exclude []string) Matcher { return Matcher{include: include, exclude: exclude} }

// Match reports whether s passes the filter. An empty include list matches
// everything: the inspector is a diagnostic view, and no patterns means no
// restriction.
func (m Matcher) Match(s string) bool {
	if len(m.include) > 0 {
		included := false
		for _, p := range m.include {
			if ok, _ := doublestar.Match(p, s); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, s); ok {
			return false
		}
	}
	return true
}
