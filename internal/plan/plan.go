// Package plan compiles a resolved dependency graph and a platform matrix
// into an explicit, executable build plan: one stage lane per target, with
// skip decisions and the tentative-image gate declared as data rather than
// inferred from execution order.
package plan

import (
	"context"
	"fmt"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/pins"
	"github.com/relgrid/relgrid/internal/platform"
)

// Lane is the stage sequence for one platform target.
type Lane struct {
	Target platform.Target
	Stages []*Stage

	// WaitsForTentative marks a lane whose test stage consumes the tentative
	// lane's package output and therefore waits on it.
	WaitsForTentative bool
}

// Stage returns the lane's stage of the given kind, or nil when the plan
// omitted it.
func (l *Lane) Stage(kind StageKind) *Stage {
	for _, s := range l.Stages {
		if s.Kind == kind {
			return s
		}
	}
	return nil
}

// Plan is a compiled build plan: the frozen inputs it was derived from plus
// one lane per requested, supported target.
type Plan struct {
	Product string
	Version string

	// Order is the resolver's topological component order, dependencies
	// first; load and test honor it within every lane.
	Order []string

	Lanes []*Lane

	// TentativeTarget is the lane seeding shared build state; meaningful
	// only when HasTentative is set.
	TentativeTarget platform.Target
	HasTentative    bool

	GraphFingerprint string
	PinsFingerprint  string
	Pins             []pins.Pin
}

// Lane returns the lane for a target, or nil.
func (p *Plan) Lane(target platform.Target) *Lane {
	for _, l := range p.Lanes {
		if l.Target == target {
			return l
		}
	}
	return nil
}

// Options tunes compilation.
type Options struct {
	// Skip lists component names excluded from test execution on every
	// requested target, merged with the baseline's static per-target
	// skip declarations.
	Skip []string

	// Through truncates each lane after the given stage kind. Zero value
	// means the full sequence.
	Through StageKind

	// Tentative names the target whose lane seeds shared build state.
	// Empty selects the first supported requested target.
	Tentative string
}

// Compile builds the plan. Requested targets outside the fixed set fail
// planning for that target only; their errors come back in the second return
// value while every supported target still gets a lane.
func Compile(ctx context.Context, snap *baseline.Snapshot, g *graph.Graph, targetNames []string, registry *pins.Registry, opts Options) (*Plan, []error, error) {
	logger := ctxlog.FromContext(ctx)

	if len(targetNames) == 0 {
		return nil, nil, fmt.Errorf("no build targets requested")
	}

	var targets []platform.Target
	var planErrs []error
	for _, name := range targetNames {
		target, err := platform.Parse(name)
		if err != nil {
			planErrs = append(planErrs, err)
			continue
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, planErrs, fmt.Errorf("no supported targets among %v", targetNames)
	}

	p := &Plan{
		Product:          snap.Product.Name,
		Version:          snap.Product.Version,
		Order:            g.OrderNames(),
		GraphFingerprint: g.Fingerprint(),
	}

	if registry != nil {
		fp, err := registry.Fingerprint()
		if err != nil {
			return nil, planErrs, fmt.Errorf("read pin registry: %w", err)
		}
		p.PinsFingerprint = fp
		tools, err := registry.Tools()
		if err != nil {
			return nil, planErrs, err
		}
		for _, tool := range tools {
			pin, err := registry.Current(tool)
			if err != nil {
				return nil, planErrs, err
			}
			p.Pins = append(p.Pins, pin)
		}
	}

	skipEverywhere := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		if _, ok := g.Node(name); !ok {
			return nil, planErrs, fmt.Errorf("skip-list names unknown component %q", name)
		}
		skipEverywhere[name] = true
	}

	kinds := stageKinds(opts.Through)
	for _, target := range targets {
		p.Lanes = append(p.Lanes, compileLane(g, target, kinds, skipEverywhere))
	}

	if err := electTentative(p, opts.Tentative); err != nil {
		return nil, planErrs, err
	}

	logger.Debug("Plan compiled.",
		"product", p.Product, "version", p.Version,
		"lanes", len(p.Lanes), "components", len(p.Order), "tentative", p.HasTentative)
	return p, planErrs, nil
}

func stageKinds(through StageKind) []StageKind {
	all := StageOrder()
	if through == "" {
		return all
	}
	for i, kind := range all {
		if kind == through {
			return all[:i+1]
		}
	}
	return all
}

func compileLane(g *graph.Graph, target platform.Target, kinds []StageKind, skipEverywhere map[string]bool) *Lane {
	lane := &Lane{Target: target}
	caps := target.Capabilities()

	for _, kind := range kinds {
		if kind == StageSign && !caps.CanSign {
			continue // sign is omitted, not skipped, on non-signing targets
		}

		var rows []ComponentRow
		switch kind {
		case StageFetch, StageLoad:
			for _, node := range g.Order() {
				rows = append(rows, ComponentRow{Name: node.Name()})
			}
		case StageTest:
			for _, node := range g.Order() {
				row := ComponentRow{Name: node.Name()}
				switch {
				case skipEverywhere[node.Name()]:
					row.Status = StatusSkipped
					row.SkipReason = "skip-listed for this run"
				case node.Descriptor.SkipsTestsOn(target):
					row.Status = StatusSkipped
					row.SkipReason = "excluded on " + target.String() + " by baseline"
				}
				rows = append(rows, row)
			}
		}
		lane.Stages = append(lane.Stages, newStage(kind, rows))
	}
	return lane
}

func electTentative(p *Plan, requested string) error {
	if len(p.Lanes) < 2 {
		return nil
	}

	tentative := p.Lanes[0]
	if requested != "" {
		target, err := platform.Parse(requested)
		if err != nil {
			return fmt.Errorf("tentative target: %w", err)
		}
		lane := p.Lane(target)
		if lane == nil {
			return fmt.Errorf("tentative target %s is not among the requested targets", target)
		}
		tentative = lane
	}

	// The gate only exists when there is a package stage to wait on.
	if tentative.Stage(StagePackage) == nil {
		return nil
	}

	p.TentativeTarget = tentative.Target
	p.HasTentative = true
	for _, lane := range p.Lanes {
		if lane != tentative && lane.Stage(StageTest) != nil {
			lane.WaitsForTentative = true
		}
	}
	return nil
}
