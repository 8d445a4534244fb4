package app

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/plan"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW   io.Writer
	errW   io.Writer
	logger *slog.Logger
	config *Config
	loader *baseline.Loader

	httpServer *http.Server

	// Live run state exposed through the status endpoint.
	mu         sync.RWMutex
	activePlan *plan.Plan
	runID      string
	runStarted time.Time
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger.
func NewApp(outW, errW io.Writer, config *Config) *App {
	// Environment files feed store credentials and baseline interpolation.
	// A missing default .env is fine; an explicitly named one is not.
	if config.EnvFile != "" {
		if err := godotenv.Load(config.EnvFile); err != nil {
			newLogger(config.LogLevel, config.LogFormat, errW).
				Warn("Could not load environment file.", "path", config.EnvFile, "error", err)
		}
	} else {
		_ = godotenv.Load()
	}

	logger := newLogger(config.LogLevel, config.LogFormat, errW)
	logger.Debug("Logger configured successfully.")

	return &App{
		outW:   outW,
		errW:   errW,
		logger: logger,
		config: config,
		loader: baseline.NewLoader(),
	}
}

func (a *App) setActivePlan(p *plan.Plan, runID string, started time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activePlan = p
	a.runID = runID
	a.runStarted = started
}
