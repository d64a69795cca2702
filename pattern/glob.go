package pattern

import (
	"strings"
)

const (
	// Wildcard matches any substring, including the empty string.
	Wildcard = "*"
)

// CompileGlob compiles a module name pattern. A '*' anywhere in the
// pattern matches any substring. All other characters are literal.
func CompileGlob(pattern string) Glob {
	return compileGlob(pattern, false)
}

// CompileGlobFold is like CompileGlob, but the resulting Glob
// ignores case. This is useful for PE module names.
func CompileGlobFold(pattern string) Glob {
	return compileGlob(pattern, true)
}

func compileGlob(pattern string, fold bool) Glob {
	p := pattern
	if fold {
		p = strings.ToLower(p)
	}

	return Glob{
		raw:   pattern,
		parts: strings.Split(p, Wildcard),
		fold:  fold,
	}
}

// Glob is a compiled wildcard pattern. The zero value matches
// only the empty string.
type Glob struct {
	raw   string
	parts []string
	fold  bool
}

// String returns the pattern the Glob was compiled from.
func (o Glob) String() string {
	return o.raw
}

// IsLiteral returns true if the pattern has no wildcards.
func (o Glob) IsLiteral() bool {
	return len(o.parts) <= 1
}

// Match returns true if the entire name matches the pattern.
func (o Glob) Match(name string) bool {
	if o.fold {
		name = strings.ToLower(name)
	}

	if len(o.parts) <= 1 {
		return name == strings.Join(o.parts, "")
	}

	first := o.parts[0]
	last := o.parts[len(o.parts)-1]

	if len(name) < len(first)+len(last) ||
		!strings.HasPrefix(name, first) ||
		!strings.HasSuffix(name, last) {
		return false
	}

	// The middle parts must appear in order between the anchored
	// prefix and suffix. Taking the leftmost occurrence of each
	// part leaves the most room for the rest.
	rest := name[len(first) : len(name)-len(last)]
	for _, part := range o.parts[1 : len(o.parts)-1] {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}

	return true
}
