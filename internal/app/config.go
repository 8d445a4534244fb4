package app

import (
	"errors"
	"fmt"
	"time"
)

// Commands the application understands.
const (
	CommandBuild   = "build"
	CommandTest    = "test"
	CommandPackage = "package"
	CommandInstall = "install"
	CommandRelease = "release"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command      string
	BaselinePath string

	Targets   []string
	Skip      []string
	Tentative string

	WorkDir string
	OutDir  string
	PinsDir string

	Workers      int
	StageTimeout time.Duration
	Publish      bool

	LogFormat  string
	LogLevel   string
	StatusPort int
	EnvFile    string
	ArchiveDSN string

	// Install command inputs.
	ArtifactPath string
	DestDir      string

	// Release command inputs.
	PreviousTag string
	PinBumps    map[string]string
	PushTags    bool
}

func NewConfig(cfg Config) (*Config, error) {
	switch cfg.Command {
	case CommandBuild, CommandTest, CommandPackage, CommandRelease:
		if cfg.BaselinePath == "" {
			return nil, errors.New("BaselinePath is a required configuration field and cannot be empty")
		}
	case CommandInstall:
		if cfg.ArtifactPath == "" {
			return nil, errors.New("install requires an artifact path")
		}
		if cfg.DestDir == "" {
			return nil, errors.New("install requires a destination directory")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Command)
	}

	if cfg.Workers < 0 {
		return nil, errors.New("worker count cannot be negative")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = ".relgrid/work"
	}
	if cfg.OutDir == "" {
		cfg.OutDir = ".relgrid/out"
	}

	return &cfg, nil
}
