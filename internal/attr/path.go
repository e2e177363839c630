// Package attr models attribute paths: dot-joined addresses of nodes in the
// job tree. The empty path addresses the tree root.
package attr

import (
	"strings"
	"unicode"
)

// Path is an ordered, dot-joined sequence of identifier segments. Paths are
// compared and ordered as strings.
type Path string

// Root is the path of the tree root.
const Root Path = ""

// IsRoot reports whether p addresses the tree root.
func (p Path) IsRoot() bool {
	return p == Root
}

// Child returns the path of the named child of p.
func (p Path) Child(name string) Path {
	if p.IsRoot() {
		return Path(name)
	}
	return p + "." + Path(name)
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return string(p)
}

// Segments splits p into its identifier segments. The root path has no
// segments.
func (p Path) Segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(string(p), ".")
}

// ValidName reports whether name can be used as a path segment. Names
// containing a dot or whitespace cannot be re-expressed as a dotted path
// segment and are rejected.
func ValidName(name string) bool {
	if strings.ContainsRune(name, '.') {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}
