package orchestrator

import (
	"time"

	"github.com/relgrid/relgrid/internal/plan"
	"github.com/relgrid/relgrid/internal/releasestore"
)

// Report enumerates every stage's status per platform lane. It is safe to
// build mid-run for status polling; statuses are read atomically.
type Report struct {
	RunID    string    `json:"run_id"`
	Product  string    `json:"product"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`

	GraphFingerprint string `json:"graph_fingerprint"`
	PinsFingerprint  string `json:"pins_fingerprint,omitempty"`

	Lanes     []LaneReport            `json:"lanes"`
	Artifacts []releasestore.Artifact `json:"artifacts,omitempty"`
}

// LaneReport is one platform lane's stage outcomes.
type LaneReport struct {
	Target string        `json:"target"`
	Stages []StageReport `json:"stages"`
}

// StageReport is one stage's terminal (or current) state.
type StageReport struct {
	Kind       string            `json:"kind"`
	Status     string            `json:"status"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Components []ComponentReport `json:"components,omitempty"`
}

// ComponentReport is one component's outcome within a stage.
type ComponentReport struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// BuildReport snapshots a plan's current stage state into a Report.
func BuildReport(runID string, p *plan.Plan, started, finished time.Time, artifacts []releasestore.Artifact) *Report {
	rep := &Report{
		RunID:            runID,
		Product:          p.Product,
		Version:          p.Version,
		Started:          started,
		Finished:         finished,
		GraphFingerprint: p.GraphFingerprint,
		PinsFingerprint:  p.PinsFingerprint,
		Artifacts:        artifacts,
	}
	for _, lane := range p.Lanes {
		lr := LaneReport{Target: lane.Target.String()}
		for _, stage := range lane.Stages {
			sr := StageReport{
				Kind:       string(stage.Kind),
				Status:     stage.Status().String(),
				SkipReason: stage.SkipReason(),
				Duration:   stage.Duration(),
			}
			if err := stage.Err(); err != nil {
				sr.Error = err.Error()
			}
			for _, row := range stage.Rows() {
				sr.Components = append(sr.Components, ComponentReport{
					Name:       row.Name,
					Status:     row.Status.String(),
					SkipReason: row.SkipReason,
					Detail:     row.Detail,
				})
			}
			lr.Stages = append(lr.Stages, sr)
		}
		rep.Lanes = append(rep.Lanes, lr)
	}
	return rep
}

// Lane returns the report for a target name, or nil.
func (r *Report) Lane(target string) *LaneReport {
	for i := range r.Lanes {
		if r.Lanes[i].Target == target {
			return &r.Lanes[i]
		}
	}
	return nil
}

// Stage returns the lane's stage report for a kind, or nil.
func (l *LaneReport) Stage(kind string) *StageReport {
	for i := range l.Stages {
		if l.Stages[i].Kind == kind {
			return &l.Stages[i]
		}
	}
	return nil
}
