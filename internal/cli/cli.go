package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/relgrid/relgrid/internal/app"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/orchestrator"
	"github.com/relgrid/relgrid/internal/platform"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

const usageText = `relgrid - multi-repository build and release orchestration.

Usage:
  relgrid <command> [options] [BASELINE_PATH]

Commands:
  build      Fetch, load, test, package and sign every requested platform.
  test       Run the lifecycle through the test stage only.
  package    Produce signed artifacts without publishing them.
  install    Install a packaged artifact onto this machine.
  release    Tag, changelog and publish the packaged artifact set.

Arguments:
  BASELINE_PATH
    Path to a baseline .hcl file or a directory containing .hcl files.

Options:
`

// bumpFlags collects repeatable -bump tool=version pairs.
type bumpFlags map[string]string

func (b bumpFlags) String() string { return "" }

func (b bumpFlags) Set(value string) error {
	tool, version, ok := strings.Cut(value, "=")
	if !ok || tool == "" || version == "" {
		return fmt.Errorf("expected tool=version, got %q", value)
	}
	b[tool] = version
	return nil
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("relgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, usageText)
		flagSet.PrintDefaults()
	}

	if len(args) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	command := args[0]
	if command == "-h" || command == "--help" || command == "help" {
		flagSet.Usage()
		return nil, true, nil
	}

	targetsFlag := flagSet.String("targets", "", "Comma-separated platform targets, e.g. 'linux-amd64,darwin-arm64'. Empty means all.")
	skipFlag := flagSet.String("skip", "", "Comma-separated component names excluded from test execution.")
	tentativeFlag := flagSet.String("tentative", "", "Target whose lane builds the tentative image. Empty picks the first.")
	workFlag := flagSet.String("work", "", "Working directory for checkouts and lane state.")
	outFlag := flagSet.String("out", "", "Directory packaged artifacts are written to.")
	pinsFlag := flagSet.String("pins", "", "Directory holding <tool>.version pin files.")
	workersFlag := flagSet.Int("workers", 0, "Maximum platform lanes running concurrently. 0 is unbounded.")
	stageTimeoutFlag := flagSet.Duration("stage-timeout", 0, "Per-stage time bound. 0 disables it.")
	publishFlag := flagSet.Bool("publish", false, "After building, publish artifacts to the release store (build command only).")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	statusPortFlag := flagSet.Int("status-port", 0, "Port for the HTTP status server. 0 is disabled.")
	envFileFlag := flagSet.String("env-file", "", "Environment file to load before running.")
	archiveDSNFlag := flagSet.String("archive-dsn", "", "PostgreSQL DSN for archiving run reports. Empty disables archiving.")
	artifactFlag := flagSet.String("artifact", "", "Artifact file to install (install command).")
	destFlag := flagSet.String("dest", "", "Installation destination directory (install command).")
	prevTagFlag := flagSet.String("prev-tag", "", "Previous release tag changelogs are computed from (release command).")
	pushTagsFlag := flagSet.Bool("push-tags", false, "Push release tags to each repository's origin (release command).")
	bumps := bumpFlags{}
	flagSet.Var(bumps, "bump", "Pin bump as tool=version, repeatable (release command).")

	if err := flagSet.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		Command:      command,
		BaselinePath: flagSet.Arg(0),
		Targets:      splitList(*targetsFlag),
		Skip:         splitList(*skipFlag),
		Tentative:    *tentativeFlag,
		WorkDir:      *workFlag,
		OutDir:       *outFlag,
		PinsDir:      *pinsFlag,
		Workers:      *workersFlag,
		StageTimeout: *stageTimeoutFlag,
		Publish:      *publishFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		StatusPort:   *statusPortFlag,
		EnvFile:      *envFileFlag,
		ArchiveDSN:   *archiveDSNFlag,
		ArtifactPath: *artifactFlag,
		DestDir:      *destFlag,
		PreviousTag:  *prevTagFlag,
		PinBumps:     bumps,
		PushTags:     *pushTagsFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Exit codes the process reports, one per failure class.
const (
	ExitOK         = 0
	ExitUsage      = 2
	ExitResolution = 3
	ExitBuild      = 4
	ExitTest       = 5
	ExitPackaging  = 6
)

// MapExitCode translates an error from a run into the process exit code.
func MapExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var cycle *graph.CycleError
	var unresolved *graph.UnresolvedError
	var unsupported *platform.UnsupportedPlatformError
	if errors.As(err, &cycle) || errors.As(err, &unresolved) || errors.As(err, &unsupported) {
		return ExitResolution
	}

	var runErr *orchestrator.RunError
	if errors.As(err, &runErr) {
		switch runErr.Class {
		case orchestrator.ClassBuild:
			return ExitBuild
		case orchestrator.ClassTest:
			return ExitTest
		case orchestrator.ClassPackage:
			return ExitPackaging
		}
	}

	return 1
}
