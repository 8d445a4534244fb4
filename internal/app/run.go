package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relgrid/relgrid/internal/archive"
	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/installer"
	"github.com/relgrid/relgrid/internal/orchestrator"
	"github.com/relgrid/relgrid/internal/pins"
	"github.com/relgrid/relgrid/internal/plan"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/release"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/toolchain"
)

// Run executes the configured command.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "command", a.config.Command)

	switch a.config.Command {
	case CommandInstall:
		return a.runInstall(ctx)
	case CommandRelease:
		return a.runRelease(ctx)
	default:
		return a.runPipeline(ctx)
	}
}

// resolveInputs loads the baseline, freezes a snapshot and resolves the
// dependency graph. Every command that starts from a baseline shares this.
func (a *App) resolveInputs(ctx context.Context) (*baseline.Snapshot, *graph.Graph, *pins.Registry, error) {
	manifest, err := a.loader.Load(ctx, a.config.BaselinePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load baseline: %w", err)
	}
	a.logger.Debug("Baseline loaded.", "product", manifest.Product.Name, "components", len(manifest.Components))

	store, err := baseline.NewStore(manifest, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	g, err := graph.Resolve(ctx, snap)
	if err != nil {
		return nil, nil, nil, err
	}
	a.logger.Info("Dependency graph resolved.", "components", g.Len(), "fingerprint", g.Fingerprint())

	var registry *pins.Registry
	if a.config.PinsDir != "" {
		registry, err = pins.Open(a.config.PinsDir)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return snap, g, registry, nil
}

// throughStage maps the command to how far each lane runs.
func (a *App) throughStage() plan.StageKind {
	switch a.config.Command {
	case CommandTest:
		return plan.StageTest
	case CommandPackage:
		return plan.StageSign
	default: // build
		if a.config.Publish {
			return ""
		}
		return plan.StageSign
	}
}

func (a *App) targetNames() []string {
	if len(a.config.Targets) > 0 {
		return a.config.Targets
	}
	var names []string
	for _, t := range platform.All() {
		names = append(names, t.String())
	}
	return names
}

func (a *App) runPipeline(ctx context.Context) error {
	snap, g, registry, err := a.resolveInputs(ctx)
	if err != nil {
		return err
	}

	p, laneErrs, err := plan.Compile(ctx, snap, g, a.targetNames(), registry, plan.Options{
		Skip:      a.config.Skip,
		Through:   a.throughStage(),
		Tentative: a.config.Tentative,
	})
	for _, laneErr := range laneErrs {
		a.logger.Warn("Target excluded from this run.", "error", laneErr)
	}
	if err != nil {
		return err
	}

	var store releasestore.Store
	if planPublishes(p) {
		store, err = a.releaseStoreFromEnv()
		if err != nil {
			return err
		}
	}

	a.setActivePlan(p, uuid.NewString(), time.Now())
	if a.config.StatusPort > 0 {
		a.startStatusServer(ctx)
		defer a.closeStatusServer(ctx)
	}

	orch := orchestrator.New(toolchain.NewLocal(), orchestrator.Options{
		WorkDir:          a.config.WorkDir,
		OutDir:           a.config.OutDir,
		MaxParallelLanes: a.config.Workers,
		StageTimeout:     a.config.StageTimeout,
		Store:            store,
	})

	report, runErr := orch.Run(ctx, p, snap)
	a.renderReport(report)
	a.archiveReport(ctx, report)
	return runErr
}

func planPublishes(p *plan.Plan) bool {
	for _, lane := range p.Lanes {
		if lane.Stage(plan.StagePublish) != nil {
			return true
		}
	}
	return false
}

// archiveReport persists the run report when an archive database is
// configured. Archival is best effort; a full database never fails a build.
func (a *App) archiveReport(ctx context.Context, rep *orchestrator.Report) {
	if a.config.ArchiveDSN == "" || rep == nil {
		return
	}
	arc, err := archive.New(ctx, a.config.ArchiveDSN)
	if err != nil {
		a.logger.Warn("Run archive unavailable.", "error", err)
		return
	}
	defer arc.Close()
	if err := arc.SaveReport(ctx, rep); err != nil {
		a.logger.Warn("Could not archive run report.", "run_id", rep.RunID, "error", err)
	}
}

func (a *App) runInstall(ctx context.Context) error {
	art, err := releasestore.FromLocalFile(a.config.ArtifactPath)
	if err != nil {
		return err
	}
	inst := &installer.Installer{}
	return inst.Install(ctx, art, a.config.DestDir)
}

func (a *App) runRelease(ctx context.Context) error {
	_, g, registry, err := a.resolveInputs(ctx)
	if err != nil {
		return err
	}

	artifacts, err := releasestore.LoadLocalArtifacts(a.config.OutDir)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("no packaged artifacts found in %s; run the package command first", a.config.OutDir)
	}

	store, err := a.releaseStoreFromEnv()
	if err != nil {
		return err
	}

	releaser := release.New(store,
		&release.GitTagger{WorkDir: a.config.WorkDir, Push: a.config.PushTags},
		&release.GitLog{WorkDir: a.config.WorkDir})

	summary, err := releaser.Release(ctx, g, registry, artifacts, release.Options{
		PreviousTag: a.config.PreviousTag,
		PinBumps:    a.config.PinBumps,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.outW, "Release %s\n", summary.Tag)
	fmt.Fprintf(a.outW, "  tagged repositories: %d\n", len(summary.Tagged))
	fmt.Fprintf(a.outW, "  published: %d, already present: %d\n", len(summary.Published), len(summary.AlreadyPresent))
	if summary.Changelog != "" {
		fmt.Fprintln(a.outW)
		fmt.Fprint(a.outW, summary.Changelog)
	}
	return nil
}

// releaseStoreFromEnv builds the S3 release store from RELGRID_STORE_*
// environment variables, typically loaded through an env file.
func (a *App) releaseStoreFromEnv() (releasestore.Store, error) {
	useSSL, _ := strconv.ParseBool(os.Getenv("RELGRID_STORE_USE_SSL"))
	store, err := releasestore.NewS3Store(releasestore.S3Config{
		Endpoint:  os.Getenv("RELGRID_STORE_ENDPOINT"),
		Region:    os.Getenv("RELGRID_STORE_REGION"),
		AccessKey: os.Getenv("RELGRID_STORE_ACCESS_KEY"),
		SecretKey: os.Getenv("RELGRID_STORE_SECRET_KEY"),
		Bucket:    os.Getenv("RELGRID_STORE_BUCKET"),
		UseSSL:    useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("configure release store: %w", err)
	}
	return store, nil
}

// renderReport writes the human-readable run summary.
func (a *App) renderReport(rep *orchestrator.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintf(a.outW, "%s v%s run %s\n", rep.Product, rep.Version, rep.RunID)
	for _, lane := range rep.Lanes {
		fmt.Fprintf(a.outW, "  %s\n", lane.Target)
		for _, stage := range lane.Stages {
			line := fmt.Sprintf("    %-8s %s", stage.Kind, stage.Status)
			if stage.SkipReason != "" {
				line += " (" + stage.SkipReason + ")"
			}
			if stage.Error != "" {
				line += ": " + stage.Error
			}
			fmt.Fprintln(a.outW, line)
		}
	}
	for _, art := range rep.Artifacts {
		hash := art.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(a.outW, "  artifact %s (%s)\n", art.Name, hash)
	}
}
