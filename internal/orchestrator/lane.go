package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/plan"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/toolchain"
)

// runLane executes one lane's stages strictly in order. A failed stage marks
// every later stage in the lane skipped with a blocked-by-prior-failure
// annotation. The second return value reports whether the lane produced an
// artifact.
func (o *Orchestrator) runLane(ctx context.Context, p *plan.Plan, lane *plan.Lane, snap *baseline.Snapshot, gate *tentativeGate, tentative bool) (releasestore.Artifact, bool) {
	logger := ctxlog.FromContext(ctx).With("lane", lane.Target.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	workDir := filepath.Join(o.opts.WorkDir, lane.Target.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		o.skipLane(lane, "could not create lane working directory", err)
		return releasestore.Artifact{}, false
	}

	var (
		artifact releasestore.Artifact
		blocked  bool
	)
	for _, stage := range lane.Stages {
		if !blocked && lane.WaitsForTentative && stage.Kind == plan.StageTest {
			ok, err := gate.wait(ctx)
			if err != nil {
				stageInterrupted(stage, err)
				blocked = true
				continue
			}
			if !ok {
				logger.Warn("Tentative image unavailable, blocking remainder of lane.")
				blocked = true
				stage.Skip("tentative image lane failed", ErrBlockedByPriorFailure)
				continue
			}
		}

		if blocked {
			stage.Skip("blocked by prior failure in this lane", ErrBlockedByPriorFailure)
			skipPendingRows(stage, "blocked by prior failure")
			continue
		}

		if !stage.Begin() {
			continue // already terminal, nothing to run
		}
		logger.Debug("Stage starting.", "stage", stage.Kind)

		stageCtx := ctx
		var cancel context.CancelFunc
		if o.opts.StageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
		}
		err := o.executeStage(stageCtx, p, lane, stage, snap, workDir, &artifact)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("stage %s exceeded its time bound: %w", stage.Kind, err)
			}
			stage.Fail(err)
			logger.Error("Stage failed.", "stage", stage.Kind, "error", err)
			blocked = true
			continue
		}

		stage.Succeed()
		logger.Debug("Stage succeeded.", "stage", stage.Kind)

		if tentative && stage.Kind == plan.StagePackage {
			gate.resolve(true, artifact)
		}
	}

	return artifact, artifact.Name != ""
}

// stageInterrupted records a cancellation that hit a stage before or during
// execution.
func stageInterrupted(stage *plan.Stage, err error) {
	if stage.Begin() {
		stage.Fail(err)
	}
}

func skipPendingRows(stage *plan.Stage, reason string) {
	for _, row := range stage.Rows() {
		if row.Status == plan.StatusPending {
			stage.SetRow(row.Name, plan.StatusSkipped, reason)
		}
	}
}

func (o *Orchestrator) executeStage(ctx context.Context, p *plan.Plan, lane *plan.Lane, stage *plan.Stage, snap *baseline.Snapshot, workDir string, artifact *releasestore.Artifact) error {
	switch stage.Kind {
	case plan.StageFetch:
		return o.runFetch(ctx, stage, snap, workDir)
	case plan.StageLoad:
		return o.runLoad(ctx, lane, stage, workDir)
	case plan.StageTest:
		return o.runTest(ctx, lane, stage, workDir)
	case plan.StagePackage:
		art, err := o.tc.Package(ctx, toolchain.PackageSpec{
			Product:          p.Product,
			Version:          p.Version,
			Target:           lane.Target,
			WorkDir:          workDir,
			OutDir:           o.opts.OutDir,
			GraphFingerprint: p.GraphFingerprint,
			PinsFingerprint:  p.PinsFingerprint,
		})
		if err != nil {
			return err
		}
		if err := releasestore.SaveLocalMetadata(art); err != nil {
			return err
		}
		*artifact = art
		return nil
	case plan.StageSign:
		return o.tc.Sign(ctx, *artifact)
	case plan.StagePublish:
		return o.runPublish(ctx, *artifact)
	default:
		return fmt.Errorf("unknown stage kind %q", stage.Kind)
	}
}

func (o *Orchestrator) runFetch(ctx context.Context, stage *plan.Stage, snap *baseline.Snapshot, workDir string) error {
	for _, row := range stage.Rows() {
		desc, ok := snap.Descriptor(row.Name)
		if !ok {
			stage.SetRow(row.Name, plan.StatusFailed, "descriptor missing from snapshot")
			return fmt.Errorf("component %q missing from snapshot", row.Name)
		}
		err := o.opts.Retry.Do(ctx, "fetch "+row.Name, func(ctx context.Context) error {
			return o.tc.Fetch(ctx, desc, workDir)
		})
		if err != nil {
			stage.SetRow(row.Name, plan.StatusFailed, err.Error())
			skipPendingRows(stage, "blocked by prior failure")
			return err
		}
		stage.SetRow(row.Name, plan.StatusSucceeded, "")
	}
	return nil
}

func (o *Orchestrator) runLoad(ctx context.Context, lane *plan.Lane, stage *plan.Stage, workDir string) error {
	// Components load strictly in the resolver's order; a failure blocks the
	// rest of the lane, so remaining rows are recorded as skipped.
	for _, row := range stage.Rows() {
		if err := o.tc.Load(ctx, row.Name, workDir, lane.Target); err != nil {
			stage.SetRow(row.Name, plan.StatusFailed, err.Error())
			skipPendingRows(stage, "blocked by prior failure")
			return fmt.Errorf("load %q: %w", row.Name, err)
		}
		stage.SetRow(row.Name, plan.StatusSucceeded, "")
	}
	return nil
}

func (o *Orchestrator) runTest(ctx context.Context, lane *plan.Lane, stage *plan.Stage, workDir string) error {
	// Unlike load, testing continues past failures: every component's result
	// is recorded individually so partial failure stays diagnosable.
	var failed []string
	for _, row := range stage.Rows() {
		if row.Status == plan.StatusSkipped {
			continue
		}
		if err := ctx.Err(); err != nil {
			skipPendingRows(stage, "run cancelled")
			if len(failed) > 0 {
				return fmt.Errorf("tests failed for %s; remainder cancelled: %w", strings.Join(failed, ", "), err)
			}
			return err
		}
		if err := o.tc.Test(ctx, row.Name, workDir, lane.Target); err != nil {
			stage.SetRow(row.Name, plan.StatusFailed, err.Error())
			failed = append(failed, row.Name)
			continue
		}
		stage.SetRow(row.Name, plan.StatusSucceeded, "")
	}
	if len(failed) > 0 {
		return fmt.Errorf("tests failed for components: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (o *Orchestrator) runPublish(ctx context.Context, art releasestore.Artifact) error {
	if o.opts.Store == nil {
		return fmt.Errorf("plan carries a publish stage but no release store is configured")
	}

	present, err := o.opts.Store.Has(ctx, art)
	if err != nil {
		return fmt.Errorf("check release store for %s: %w", art.Name, err)
	}
	if present {
		ctxlog.FromContext(ctx).Info("Artifact already published, skipping upload.", "name", art.Name, "hash", art.ContentHash)
		return nil
	}

	return o.opts.Retry.Do(ctx, "publish "+art.Name, func(ctx context.Context) error {
		f, err := os.Open(art.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return o.opts.Store.Put(ctx, art, f, info.Size())
	})
}
