package transfer

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Filter selects artifact names with an allow-list and a deny-list of glob
// patterns (`*`, `**`, `?`, case-sensitive path semantics). Deny wins over
// allow; a name matching neither list is excluded.
type Filter struct {
	Include []string
	Ignore  []string
}

// Match reports whether name survives the filter.
func (f Filter) Match(name string) bool {
	for _, pat := range f.Ignore {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return false
		}
	}
	for _, pat := range f.Include {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Apply filters names preserving their order.
func (f Filter) Apply(names []string) []string {
	var out []string
	for _, n := range names {
		if f.Match(n) {
			out = append(out, n)
		}
	}
	return out
}
