// Package platform defines the fixed set of build targets, their
// capabilities, and the deterministic artifact naming scheme.
package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Target identifies one operating system + CPU architecture pair.
type Target struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// String renders the canonical "<os>-<arch>" form used in flags, skip-lists
// and artifact names.
func (t Target) String() string {
	return t.OS + "-" + t.Arch
}

// The fixed, non-extensible target set.
var (
	LinuxAmd64   = Target{OS: "linux", Arch: "amd64"}
	LinuxArm64   = Target{OS: "linux", Arch: "arm64"}
	DarwinAmd64  = Target{OS: "darwin", Arch: "amd64"}
	DarwinArm64  = Target{OS: "darwin", Arch: "arm64"}
	WindowsAmd64 = Target{OS: "windows", Arch: "amd64"}
)

var all = []Target{LinuxAmd64, LinuxArm64, DarwinAmd64, DarwinArm64, WindowsAmd64}

// All returns the complete target set in a stable order.
func All() []Target {
	out := make([]Target, len(all))
	copy(out, all)
	return out
}

// UnsupportedPlatformError reports a requested target outside the fixed set.
type UnsupportedPlatformError struct {
	Name string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform %q: not in the fixed target set", e.Name)
}

// Parse resolves a "<os>-<arch>" name against the fixed set.
func Parse(name string) (Target, error) {
	for _, t := range all {
		if t.String() == name {
			return t, nil
		}
	}
	return Target{}, &UnsupportedPlatformError{Name: name}
}

// Current maps the running process to its Target.
func Current() (Target, error) {
	return Parse(runtime.GOOS + "-" + runtime.GOARCH)
}

// Capabilities describes what a target's build environment can do.
type Capabilities struct {
	// CanSign reports whether artifacts for this target go through a
	// code-signing stage.
	CanSign bool

	// HeadlessTests reports whether the full test suite can run without a
	// display server.
	HeadlessTests bool
}

// Capabilities returns the capability set for the target. Darwin and Windows
// targets sign their artifacts; darwin-arm64 build hosts lack a headless
// rendering backend.
func (t Target) Capabilities() Capabilities {
	switch t.OS {
	case "darwin":
		return Capabilities{CanSign: true, HeadlessTests: t != DarwinArm64}
	case "windows":
		return Capabilities{CanSign: true, HeadlessTests: true}
	default:
		return Capabilities{CanSign: false, HeadlessTests: true}
	}
}

// ArtifactExt returns the archive extension used for the target.
func ArtifactExt(t Target) string {
	if t.OS == "windows" {
		return "zip"
	}
	return "tar.gz"
}

// ArtifactName builds the deterministic artifact file name
// {Product}-{os}-{arch}-v{version}.{ext}. The name is reproducible from its
// inputs alone.
func ArtifactName(product, version string, t Target) string {
	return fmt.Sprintf("%s-%s-%s-v%s.%s", product, t.OS, t.Arch, version, ArtifactExt(t))
}

// ParseArtifactName inverts ArtifactName, recovering the product, version
// and target from a file name.
func ParseArtifactName(name string) (product, version string, t Target, err error) {
	for _, candidate := range All() {
		marker := "-" + candidate.OS + "-" + candidate.Arch + "-v"
		idx := strings.Index(name, marker)
		if idx <= 0 {
			continue
		}
		suffix := "." + ArtifactExt(candidate)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		product = name[:idx]
		version = name[idx+len(marker) : len(name)-len(suffix)]
		if version == "" {
			continue
		}
		return product, version, candidate, nil
	}
	return "", "", Target{}, fmt.Errorf("artifact name %q does not match the naming scheme", name)
}
