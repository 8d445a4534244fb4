// Package toolchain defines the external actions behind build stages (clone,
// load, test, package, sign) as an interface the orchestrator drives, plus a
// local implementation shelling out to git and per-component scripts.
package toolchain

import (
	"context"
	"fmt"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/releasestore"
)

// PackageSpec carries everything packaging needs to produce an artifact.
type PackageSpec struct {
	Product string
	Version string
	Target  platform.Target

	// WorkDir is the lane's isolated working directory holding the loaded
	// component set.
	WorkDir string

	// OutDir receives the packaged artifact.
	OutDir string

	GraphFingerprint string
	PinsFingerprint  string
}

// Toolchain is the set of external actions a build stage performs. Every
// method must honor context cancellation; the orchestrator applies timeouts
// and retries around these calls.
type Toolchain interface {
	// Fetch makes the component's source available under workDir at the
	// descriptor's ref. Must be safe to retry.
	Fetch(ctx context.Context, desc baseline.Descriptor, workDir string) error

	// Load builds/loads one component into the lane's shared state.
	Load(ctx context.Context, component, workDir string, target platform.Target) error

	// Test runs one component's test suite for the target.
	Test(ctx context.Context, component, workDir string, target platform.Target) error

	// Package produces the lane's release artifact.
	Package(ctx context.Context, spec PackageSpec) (releasestore.Artifact, error)

	// Sign code-signs a packaged artifact in place.
	Sign(ctx context.Context, art releasestore.Artifact) error
}

// TestError reports one component's test failure with enough context to
// diagnose it without re-running the lane.
type TestError struct {
	Component string
	Output    string
	Err       error
}

func (e *TestError) Error() string {
	return fmt.Sprintf("tests failed for component %q: %v", e.Component, e.Err)
}

func (e *TestError) Unwrap() error {
	return e.Err
}
