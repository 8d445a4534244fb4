// Package installer materializes a packaged artifact onto the local machine.
// Installation is transactional: the artifact is unpacked into a staging
// directory and swapped into place atomically, so a failure mid-install
// leaves any previous installation intact.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/toolchain"
)

// manifestName is the receipt written into an installed tree recording what
// content hash produced it.
const manifestName = ".relgrid-install"

// IncompatiblePlatformError rejects an artifact built for a different
// platform than the one installing it.
type IncompatiblePlatformError struct {
	Want platform.Target
	Have platform.Target
}

func (e *IncompatiblePlatformError) Error() string {
	return fmt.Sprintf("artifact targets %s but this machine is %s", e.Want, e.Have)
}

// Installer installs artifacts into a destination directory.
type Installer struct {
	// Host overrides the detected platform, for tests.
	Host platform.Target
}

func (i *Installer) host() (platform.Target, error) {
	if i.Host != (platform.Target{}) {
		return i.Host, nil
	}
	return platform.Current()
}

// Install unpacks the artifact into destDir. Installing the same content
// hash over an existing installation is a no-op. A concurrent install of the
// same destination is rejected through a lock file.
func (i *Installer) Install(ctx context.Context, art releasestore.Artifact, destDir string) error {
	logger := ctxlog.FromContext(ctx).With("artifact", art.Name, "dest", destDir)

	host, err := i.host()
	if err != nil {
		return err
	}
	if art.Target != host {
		return &IncompatiblePlatformError{Want: art.Target, Have: host}
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create install parent directory: %w", err)
	}

	unlock, err := acquireLock(destDir)
	if err != nil {
		return err
	}
	defer unlock()

	if installed, err := installedHash(destDir); err != nil {
		return err
	} else if installed == art.ContentHash {
		logger.Info("Artifact already installed, nothing to do.", "hash", art.ContentHash)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(parent, ".relgrid-stage-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := toolchain.Unpack(art.Path, staging); err != nil {
		return fmt.Errorf("unpack %s: %w", art.Name, err)
	}
	receipt := strings.Join([]string{art.ContentHash, art.Product, art.Version}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(staging, manifestName), []byte(receipt), 0o644); err != nil {
		return fmt.Errorf("write install receipt: %w", err)
	}

	if err := swapInPlace(staging, destDir); err != nil {
		return err
	}

	logger.Info("Artifact installed.", "version", art.Version, "hash", art.ContentHash)
	return nil
}

// swapInPlace replaces destDir with staging atomically. The previous tree is
// moved aside first and restored if the swap fails.
func swapInPlace(staging, destDir string) error {
	previous := ""
	if _, err := os.Stat(destDir); err == nil {
		previous = destDir + ".previous"
		os.RemoveAll(previous)
		if err := os.Rename(destDir, previous); err != nil {
			return fmt.Errorf("set aside previous installation: %w", err)
		}
	}

	if err := os.Rename(staging, destDir); err != nil {
		if previous != "" {
			if restoreErr := os.Rename(previous, destDir); restoreErr != nil {
				return fmt.Errorf("install swap failed (%v) and rollback failed: %w", err, restoreErr)
			}
		}
		return fmt.Errorf("swap installation into place: %w", err)
	}

	if previous != "" {
		os.RemoveAll(previous)
	}
	return nil
}

func installedHash(destDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(destDir, manifestName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read install receipt: %w", err)
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	return strings.TrimSpace(lines[0]), nil
}

func acquireLock(destDir string) (func(), error) {
	lockPath := destDir + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return nil, fmt.Errorf("another install of %s is in progress (lock %s held)", destDir, lockPath)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire install lock: %w", err)
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
