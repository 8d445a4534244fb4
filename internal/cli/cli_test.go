package cli

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgrid/relgrid/internal/app"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/orchestrator"
	"github.com/relgrid/relgrid/internal/platform"
)

func TestParseNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	config, shouldExit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, shouldExit)
	assert.Nil(t, config)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseBuildCommand(t *testing.T) {
	var out bytes.Buffer
	config, shouldExit, err := Parse([]string{
		"build",
		"-targets", "linux-amd64, darwin-arm64",
		"-skip", "flaky-agent",
		"-workers", "3",
		"-stage-timeout", "90s",
		"-publish",
		"-log-format", "json",
		"baselines/prod.hcl",
	}, &out)
	require.NoError(t, err)
	require.False(t, shouldExit)

	assert.Equal(t, app.CommandBuild, config.Command)
	assert.Equal(t, "baselines/prod.hcl", config.BaselinePath)
	assert.Equal(t, []string{"linux-amd64", "darwin-arm64"}, config.Targets)
	assert.Equal(t, []string{"flaky-agent"}, config.Skip)
	assert.Equal(t, 3, config.Workers)
	assert.Equal(t, 90*time.Second, config.StageTimeout)
	assert.True(t, config.Publish)
	assert.Equal(t, "json", config.LogFormat)
}

func TestParseMissingBaselineIsUsageError(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"test"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
}

func TestParseUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"deploy", "baseline.hcl"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
	assert.Contains(t, exitErr.Message, "deploy")
}

func TestParseInstallRequiresArtifactAndDest(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"install", "-dest", "/opt/relgrid"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)

	config, _, err := Parse([]string{"install", "-artifact", "relgrid-linux-amd64-v1.0.0.tar.gz", "-dest", "/opt/relgrid"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "relgrid-linux-amd64-v1.0.0.tar.gz", config.ArtifactPath)
	assert.Equal(t, "/opt/relgrid", config.DestDir)
}

func TestParseReleaseBumps(t *testing.T) {
	var out bytes.Buffer
	config, _, err := Parse([]string{
		"release",
		"-bump", "go=1.24.6",
		"-bump", "protoc=27.1",
		"-prev-tag", "v1.9.0",
		"baseline.hcl",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"go": "1.24.6", "protoc": "27.1"}, config.PinBumps)
	assert.Equal(t, "v1.9.0", config.PreviousTag)
}

func TestParseRejectsMalformedBump(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"release", "-bump", "go", "baseline.hcl"}, &out)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
}

func TestParseInvalidLogSettings(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"build", "-log-format", "xml", "baseline.hcl"}, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)

	_, _, err = Parse([]string{"build", "-log-level", "loud", "baseline.hcl"}, &out)
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
}

func TestMapExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", &ExitError{Code: 2, Message: "bad flag"}, ExitUsage},
		{"cycle", &graph.CycleError{Path: []string{"a", "b", "a"}}, ExitResolution},
		{"unresolved", &graph.UnresolvedError{From: "a", Missing: "ghost"}, ExitResolution},
		{"unsupported platform", &platform.UnsupportedPlatformError{Name: "plan9-386"}, ExitResolution},
		{"build failure", &orchestrator.RunError{Class: orchestrator.ClassBuild}, ExitBuild},
		{"test failure", &orchestrator.RunError{Class: orchestrator.ClassTest}, ExitTest},
		{"packaging failure", &orchestrator.RunError{Class: orchestrator.ClassPackage}, ExitPackaging},
		{"wrapped resolution", fmt.Errorf("resolve: %w", &graph.CycleError{Path: []string{"x", "x"}}), ExitResolution},
		{"anything else", errors.New("disk full"), 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapExitCode(tc.err))
		})
	}
}
