// Package orchestrator executes a compiled build plan: platform lanes run
// concurrently, stages within a lane run strictly in order, and every
// outcome is recorded per stage and per component.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/plan"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/toolchain"
)

// Options configures a run.
type Options struct {
	// WorkDir is the root under which each lane gets an isolated working
	// directory named after its target.
	WorkDir string

	// OutDir receives packaged artifacts.
	OutDir string

	// MaxParallelLanes bounds concurrently running lanes. Zero means no
	// bound. The tentative lane is not counted against the bound, so lanes
	// waiting on it can never starve it.
	MaxParallelLanes int

	// StageTimeout bounds each stage's duration; exceeding it fails the
	// stage, not the run. Zero disables the bound.
	StageTimeout time.Duration

	// Retry applies to the network-bound stages, fetch and publish.
	Retry RetryPolicy

	// Store is the publish target. Required only when the plan carries a
	// publish stage.
	Store releasestore.Store
}

// Orchestrator drives a plan through a toolchain.
type Orchestrator struct {
	tc   toolchain.Toolchain
	opts Options
}

// New creates an orchestrator.
func New(tc toolchain.Toolchain, opts Options) *Orchestrator {
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetry
	}
	return &Orchestrator{tc: tc, opts: opts}
}

// tentativeGate is the explicit ordering edge between the tentative lane's
// package stage and downstream lanes' test stages.
type tentativeGate struct {
	done     chan struct{}
	once     sync.Once
	ok       bool
	artifact releasestore.Artifact
}

func newTentativeGate(active bool) *tentativeGate {
	g := &tentativeGate{done: make(chan struct{})}
	if !active {
		// No gate in the plan: downstream lanes pass immediately.
		g.resolve(true, releasestore.Artifact{})
	}
	return g
}

func (g *tentativeGate) resolve(ok bool, art releasestore.Artifact) {
	g.once.Do(func() {
		g.ok = ok
		g.artifact = art
		close(g.done)
	})
}

// wait blocks until the gate resolves or ctx ends. It reports whether the
// tentative image is available.
func (g *tentativeGate) wait(ctx context.Context) (bool, error) {
	select {
	case <-g.done:
		return g.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run executes the plan. Lanes are isolated: one lane's failure or
// cancellation never corrupts or blocks its siblings. The returned report
// always enumerates every stage's terminal status; the error, when non-nil,
// is a *RunError classifying the worst failure for exit-code mapping.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan, snap *baseline.Snapshot) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	runID := uuid.NewString()
	started := time.Now()
	logger.Info("Run starting.", "run_id", runID, "product", p.Product, "version", p.Version, "lanes", len(p.Lanes))

	gate := newTentativeGate(p.HasTentative)

	var sem chan struct{}
	if o.opts.MaxParallelLanes > 0 {
		sem = make(chan struct{}, o.opts.MaxParallelLanes)
	}

	var (
		wg          sync.WaitGroup
		artifactsMu sync.Mutex
		artifacts   []releasestore.Artifact
	)
	for _, lane := range p.Lanes {
		tentative := p.HasTentative && lane.Target == p.TentativeTarget
		wg.Add(1)
		go func(lane *plan.Lane, tentative bool) {
			defer wg.Done()
			if sem != nil && !tentative {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					o.skipLane(lane, "run cancelled before lane start", ctx.Err())
					return
				}
			}
			if tentative {
				// The gate always resolves, even if the lane never reaches
				// package; waiting lanes must not hang.
				defer gate.resolve(false, releasestore.Artifact{})
			}

			art, ok := o.runLane(ctx, p, lane, snap, gate, tentative)
			if ok && art.Name != "" {
				artifactsMu.Lock()
				artifacts = append(artifacts, art)
				artifactsMu.Unlock()
			}
		}(lane, tentative)
	}
	wg.Wait()

	report := BuildReport(runID, p, started, time.Now(), artifacts)
	err := classify(p)
	if err != nil {
		logger.Error("Run finished with failures.", "run_id", runID, "error", err)
	} else {
		logger.Info("Run finished.", "run_id", runID)
	}
	return report, err
}

// skipLane marks every pending stage of a lane skipped.
func (o *Orchestrator) skipLane(lane *plan.Lane, reason string, cause error) {
	for _, stage := range lane.Stages {
		stage.Skip(reason, cause)
	}
}

// classify reduces the plan's failed stages to a RunError, or nil when every
// stage succeeded or was legitimately skipped.
func classify(p *plan.Plan) error {
	worst := FailureClass(0)
	var failures []string
	for _, lane := range p.Lanes {
		for _, stage := range lane.Stages {
			if stage.Status() != plan.StatusFailed {
				continue
			}
			class := classOf(stage.Kind)
			// Build failures outrank test failures outrank packaging ones:
			// the earliest broken stage is the one to fix first.
			if worst == 0 || class < worst {
				worst = class
			}
			detail := lane.Target.String() + "/" + string(stage.Kind)
			if err := stage.Err(); err != nil {
				detail += ": " + err.Error()
			}
			failures = append(failures, detail)
		}
	}
	if worst == 0 {
		return nil
	}
	return &RunError{Class: worst, Failures: failures}
}

func classOf(kind plan.StageKind) FailureClass {
	switch kind {
	case plan.StageFetch, plan.StageLoad:
		return ClassBuild
	case plan.StageTest:
		return ClassTest
	default:
		return ClassPackage
	}
}
