package graph

import (
	"fmt"
	"strings"
)

// CycleError is the fatal resolution error for a cyclic dependency graph. It
// carries the offending cycle as an ordered list of component names, closed
// on the repeated node (e.g. [a b a]).
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnresolvedError is the fatal resolution error for a declared dependency
// with no corresponding descriptor.
type UnresolvedError struct {
	From    string
	Missing string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("component %q depends on %q, which has no descriptor", e.From, e.Missing)
}
