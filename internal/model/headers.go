// Package model defines shared types for the solver.
package model

import (
	"sort"
	"strings"
)

// Cookie is a single name/value cookie record read from a browser session.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderSet maps lowercase header names to values. It always contains
// "cookie", "referer" and "user-agent" plus every key from the configured
// default header template.
type HeaderSet map[string]string

// Clone returns a copy of the header set. Entries handed out by the cache
// are shared between callers and must never be mutated; callers that need
// to modify headers should work on a clone.
func (h HeaderSet) Clone() HeaderSet {
	out := make(HeaderSet, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// SortedNames returns the header names in lexical order, for stable dumps.
func (h HeaderSet) SortedNames() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CookieHeader serializes cookie records as "name=value; name=value; ...",
// preserving the given order. Records with an empty name are skipped;
// duplicates are kept as-is.
func CookieHeader(cookies []Cookie) string {
	var b strings.Builder
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}
