package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlockedByPriorFailure annotates stages skipped because an earlier stage
// in their lane (or the tentative lane they gate on) failed.
var ErrBlockedByPriorFailure = errors.New("blocked by prior failure")

// FailureClass groups stage failures for exit-code reporting.
type FailureClass int

const (
	// ClassBuild covers fetch and load failures.
	ClassBuild FailureClass = iota + 1
	// ClassTest covers test-stage failures.
	ClassTest
	// ClassPackage covers package, sign and publish failures.
	ClassPackage
)

func (c FailureClass) String() string {
	switch c {
	case ClassBuild:
		return "build"
	case ClassTest:
		return "test"
	case ClassPackage:
		return "packaging"
	default:
		return "unknown"
	}
}

// RunError summarizes a run with at least one failed stage. Lanes are
// reported individually; a multi-platform run never collapses into a single
// aggregate pass/fail.
type RunError struct {
	Class    FailureClass
	Failures []string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failure: %s", e.Class, strings.Join(e.Failures, "; "))
}
