package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relgrid/relgrid/internal/orchestrator"
)

// statusHandler serves the current run's per-lane, per-stage state as JSON.
// Stage statuses are read atomically, so the snapshot is safe mid-run.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	p, runID, started := a.activePlan, a.runID, a.runStarted
	a.mu.RUnlock()

	if p == nil {
		http.Error(w, "no active run", http.StatusNotFound)
		return
	}

	rep := orchestrator.BuildReport(runID, p, started, time.Time{}, nil)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		a.logger.Error("Could not encode status response.", "error", err)
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startStatusServer runs the status HTTP server in the background.
func (a *App) startStatusServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)

	addr := fmt.Sprintf(":%d", a.config.StatusPort)
	a.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.logger.Info("Status server starting.", "address", fmt.Sprintf("http://localhost%s/status", addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Status server failed unexpectedly.", "error", err)
		}
	}()
}

func (a *App) closeStatusServer(ctx context.Context) {
	if a.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Status server shutdown failed.", "error", err)
	}
}
