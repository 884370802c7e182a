// Package pathmatch decides whether a project-relative path is excluded from
// a scan.
//
// Patterns are anchored at the project root and compared segment by segment
// against the full slash-separated relative path:
//
//	data/**/*.tmp   any .tmp file anywhere below data/
//	**/__pycache__  every __pycache__ directory and its contents
//	build/          the build directory and everything beneath it
//
// "**" matches zero or more whole segments; every other segment uses
// path.Match syntax. A pattern that matches a path also matches all of its
// descendants, which is what lets the scanner prune a directory without
// looking inside it. Matching is on segments, so "data/" never covers
// "data2/".
//
// Independently of any pattern, a path with a segment starting with "." is
// always excluded.
package pathmatch

import (
	"fmt"
	"path"
	"strings"
)

const doubleStar = "**"

// PatternError reports a pattern that cannot be compiled.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid exclude pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Matcher is a compiled, immutable set of exclusion patterns. The zero value
// excludes only hidden paths.
type Matcher struct {
	patterns [][]string
	source   []string
}

// Compile validates and compiles patterns. Empty patterns are ignored.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		segs, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		if segs == nil {
			continue
		}
		m.patterns = append(m.patterns, segs)
		m.source = append(m.source, p)
	}
	return m, nil
}

// MustCompile is Compile for patterns known to be valid at init time.
func MustCompile(patterns []string) *Matcher {
	m, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

// Patterns returns the source patterns the matcher was compiled from.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.source))
	copy(out, m.source)
	return out
}

// Matches reports whether rel is excluded: it is hidden, or some pattern
// matches rel or one of its ancestors. The empty path (the project root) is
// never excluded.
func (m *Matcher) Matches(rel string) bool {
	segs := splitPath(rel)
	if len(segs) == 0 {
		return false
	}
	if IsHidden(segs) {
		return true
	}
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		if matchSegments(p, segs) {
			return true
		}
	}
	return false
}

// Matches is the one-shot form of Compile(patterns).Matches(rel). Invalid
// patterns never match.
func Matches(rel string, patterns []string) bool {
	segs := splitPath(rel)
	if len(segs) == 0 {
		return false
	}
	if IsHidden(segs) {
		return true
	}
	for _, p := range patterns {
		ps, err := compilePattern(p)
		if err != nil || ps == nil {
			continue
		}
		if matchSegments(ps, segs) {
			return true
		}
	}
	return false
}

// IsHidden reports whether any segment starts with a dot.
func IsHidden(segs []string) bool {
	for _, s := range segs {
		if strings.HasPrefix(s, ".") {
			return true
		}
	}
	return false
}

// IsHiddenName reports whether a single path element is hidden.
func IsHiddenName(name string) bool {
	return strings.HasPrefix(name, ".")
}

func compilePattern(p string) ([]string, error) {
	segs := splitPath(p)
	if len(segs) == 0 {
		return nil, nil
	}
	out := segs[:0:0]
	for _, s := range segs {
		// Consecutive ** collapse; they match the same set.
		if s == doubleStar && len(out) > 0 && out[len(out)-1] == doubleStar {
			continue
		}
		if s != doubleStar {
			if _, err := path.Match(s, ""); err != nil {
				return nil, &PatternError{Pattern: p, Err: err}
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// splitPath normalises a slash path into its segments, dropping leading
// "/" or "./", trailing "/" and empty or "." elements. A backslash is an
// ordinary filename byte in paths and path.Match's escape in patterns, so
// it never separates segments.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

// matchSegments reports whether pat matches segs or any leading prefix of
// segs.
func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		// Pattern consumed: it matched an ancestor (or segs itself).
		return true
	}
	if pat[0] == doubleStar {
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
	return matchSegments(pat[1:], segs[1:])
}
