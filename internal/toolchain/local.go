package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/releasestore"
)

// Local drives builds on the local machine: git for source, per-component
// shell scripts for load and test, archive packaging, and a configurable
// signing command.
type Local struct {
	// Git is the git binary to invoke.
	Git string

	// LoadScript and TestScript are paths relative to a component's source
	// directory. A component without the script is treated as having
	// nothing to do for that stage.
	LoadScript string
	TestScript string

	// SignCommand is invoked with the artifact path as its argument.
	// Required only for lanes whose target signs.
	SignCommand string
}

// NewLocal returns a Local with conventional defaults.
func NewLocal() *Local {
	return &Local{
		Git:        "git",
		LoadScript: "scripts/load.sh",
		TestScript: "scripts/test.sh",
	}
}

func (l *Local) srcDir(workDir, component string) string {
	return filepath.Join(workDir, "src", component)
}

func (l *Local) Fetch(ctx context.Context, desc baseline.Descriptor, workDir string) error {
	dir := l.srcDir(workDir, desc.Name)
	logger := ctxlog.FromContext(ctx).With("component", desc.Name)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		// A retry after a partial clone, or a re-run over a warm work dir.
		if err := l.git(ctx, dir, "fetch", "--tags", "origin"); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		if err := l.git(ctx, "", "clone", "--", desc.Source, dir); err != nil {
			return err
		}
	}

	if err := l.git(ctx, dir, "checkout", "--detach", desc.Ref); err != nil {
		return err
	}
	logger.Debug("Component fetched.", "ref", desc.Ref)
	return nil
}

func (l *Local) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, l.Git, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w\n%s", args, err, out.String())
	}
	return nil
}

func (l *Local) runScript(ctx context.Context, component, workDir, script string, target platform.Target) error {
	dir := l.srcDir(workDir, component)
	path := filepath.Join(dir, script)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		ctxlog.FromContext(ctx).Debug("Component has no script for stage, nothing to do.", "component", component, "script", script)
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RELGRID_COMPONENT="+component,
		"RELGRID_TARGET_OS="+target.OS,
		"RELGRID_TARGET_ARCH="+target.Arch,
		"RELGRID_WORKDIR="+workDir,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s for %q: %w\n%s", script, component, err, out.String())
	}
	return nil
}

func (l *Local) Load(ctx context.Context, component, workDir string, target platform.Target) error {
	return l.runScript(ctx, component, workDir, l.LoadScript, target)
}

func (l *Local) Test(ctx context.Context, component, workDir string, target platform.Target) error {
	if err := l.runScript(ctx, component, workDir, l.TestScript, target); err != nil {
		return &TestError{Component: component, Err: err}
	}
	return nil
}

func (l *Local) Package(ctx context.Context, spec PackageSpec) (releasestore.Artifact, error) {
	if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
		return releasestore.Artifact{}, err
	}

	name := platform.ArtifactName(spec.Product, spec.Version, spec.Target)
	dest := filepath.Join(spec.OutDir, name)
	if err := Pack(filepath.Join(spec.WorkDir, "src"), dest); err != nil {
		return releasestore.Artifact{}, err
	}

	hash, err := HashFile(dest)
	if err != nil {
		return releasestore.Artifact{}, err
	}

	ctxlog.FromContext(ctx).Debug("Artifact packaged.", "name", name, "hash", hash)
	return releasestore.Artifact{
		Target:           spec.Target,
		Product:          spec.Product,
		Version:          spec.Version,
		Name:             name,
		Path:             dest,
		ContentHash:      hash,
		GraphFingerprint: spec.GraphFingerprint,
		PinsFingerprint:  spec.PinsFingerprint,
	}, nil
}

func (l *Local) Sign(ctx context.Context, art releasestore.Artifact) error {
	if l.SignCommand == "" {
		return fmt.Errorf("target %s requires signing but no sign command is configured", art.Target)
	}
	cmd := exec.CommandContext(ctx, l.SignCommand, art.Path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sign %s: %w\n%s", art.Name, err, out.String())
	}
	return nil
}
