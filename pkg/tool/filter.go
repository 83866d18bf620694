package tool

import (
	"path"
	"strings"
)

// Filter restricts which tools are exposed. Patterns use path.Match syntax,
// e.g. "fs_*". A deny match always wins; a non-empty allow list admits only
// matching names.
type Filter struct {
	allow []string
	deny  []string
}

func NewFilter(allow, deny []string) *Filter {
	return &Filter{allow: trimmed(allow), deny: trimmed(deny)}
}

func trimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Allowed reports whether name passes. A nil filter allows everything.
func (f *Filter) Allowed(name string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.deny, name) {
		return false
	}
	return len(f.allow) == 0 || matchAny(f.allow, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
