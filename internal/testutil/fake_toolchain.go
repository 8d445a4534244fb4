package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/toolchain"
)

// FakeToolchain is a scripted Toolchain: tests declare which actions fail,
// and the fake records every call in order.
type FakeToolchain struct {
	mu    sync.Mutex
	calls []string

	// FetchTransientFailures makes the first N fetch calls fail, then
	// succeed, to exercise retry behavior.
	FetchTransientFailures int

	// FailLoadOn fails every load call for the given target name.
	FailLoadOn map[string]bool

	// FailTests fails the test call for "target:component" keys.
	FailTests map[string]bool

	// FailPackageOn fails packaging for the given target name.
	FailPackageOn map[string]bool

	// FailSignOn fails signing for the given target name.
	FailSignOn map[string]bool

	// Delay is slept (context-aware) before every action.
	Delay time.Duration
}

// NewFakeToolchain returns a fake where every action succeeds.
func NewFakeToolchain() *FakeToolchain {
	return &FakeToolchain{}
}

// Calls returns the recorded "action:target:component" call list in order.
func (f *FakeToolchain) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeToolchain) record(action string, target platform.Target, component string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s:%s", action, target, component))
}

func (f *FakeToolchain) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// targetFromWorkDir recovers the lane target from the lane work dir name,
// which the orchestrator derives from the target.
func targetFromWorkDir(workDir string) platform.Target {
	if t, err := platform.Parse(filepath.Base(workDir)); err == nil {
		return t
	}
	return platform.Target{}
}

func (f *FakeToolchain) Fetch(ctx context.Context, desc baseline.Descriptor, workDir string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.record("fetch", targetFromWorkDir(workDir), desc.Name)

	f.mu.Lock()
	transient := f.FetchTransientFailures > 0
	if transient {
		f.FetchTransientFailures--
	}
	f.mu.Unlock()
	if transient {
		return fmt.Errorf("transient network failure fetching %q", desc.Name)
	}
	return nil
}

func (f *FakeToolchain) Load(ctx context.Context, component, workDir string, target platform.Target) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.record("load", target, component)
	if f.FailLoadOn[target.String()] {
		return fmt.Errorf("load failed for %q on %s", component, target)
	}
	return nil
}

func (f *FakeToolchain) Test(ctx context.Context, component, workDir string, target platform.Target) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.record("test", target, component)
	if f.FailTests[target.String()+":"+component] {
		return &toolchain.TestError{Component: component, Err: fmt.Errorf("scripted failure")}
	}
	return nil
}

func (f *FakeToolchain) Package(ctx context.Context, spec toolchain.PackageSpec) (releasestore.Artifact, error) {
	if err := f.wait(ctx); err != nil {
		return releasestore.Artifact{}, err
	}
	f.record("package", spec.Target, "-")
	if f.FailPackageOn[spec.Target.String()] {
		return releasestore.Artifact{}, fmt.Errorf("packaging failed on %s", spec.Target)
	}

	if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
		return releasestore.Artifact{}, err
	}
	name := platform.ArtifactName(spec.Product, spec.Version, spec.Target)
	path := filepath.Join(spec.OutDir, name)
	content := []byte(spec.Product + " " + spec.Version + " " + spec.Target.String())
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return releasestore.Artifact{}, err
	}
	hash, err := toolchain.HashFile(path)
	if err != nil {
		return releasestore.Artifact{}, err
	}
	return releasestore.Artifact{
		Target:           spec.Target,
		Product:          spec.Product,
		Version:          spec.Version,
		Name:             name,
		Path:             path,
		ContentHash:      hash,
		GraphFingerprint: spec.GraphFingerprint,
		PinsFingerprint:  spec.PinsFingerprint,
	}, nil
}

func (f *FakeToolchain) Sign(ctx context.Context, art releasestore.Artifact) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.record("sign", art.Target, "-")
	if f.FailSignOn[art.Target.String()] {
		return fmt.Errorf("signing failed on %s", art.Target)
	}
	return nil
}
