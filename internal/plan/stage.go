package plan

import (
	"sync"
	"sync/atomic"
	"time"
)

// StageKind names one of the fixed build stages.
type StageKind string

const (
	StageFetch   StageKind = "fetch"
	StageLoad    StageKind = "load"
	StageTest    StageKind = "test"
	StagePackage StageKind = "package"
	StageSign    StageKind = "sign"
	StagePublish StageKind = "publish"
)

// StageOrder is the fixed stage sequence within a lane.
func StageOrder() []StageKind {
	return []StageKind{StageFetch, StageLoad, StageTest, StagePackage, StageSign, StagePublish}
}

// Status is the lifecycle state of a stage or a per-component row.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// ComponentRow records one component's outcome inside a fetch, load or test
// stage, so partial failure stays diagnosable per component.
type ComponentRow struct {
	Name       string
	Status     Status
	SkipReason string
	Detail     string
}

// Stage is one executable unit of a lane. Its status is readable concurrently
// (the status endpoint polls mid-run) while a single lane goroutine drives
// the transitions.
type Stage struct {
	Kind StageKind

	status atomic.Int32

	mu         sync.Mutex
	err        error
	skipReason string
	rows       []ComponentRow
	startedAt  time.Time
	finishedAt time.Time
}

func newStage(kind StageKind, rows []ComponentRow) *Stage {
	return &Stage{Kind: kind, rows: rows}
}

// Status returns the stage's current status.
func (s *Stage) Status() Status {
	return Status(s.status.Load())
}

// Err returns the stage's terminal error, if any.
func (s *Stage) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SkipReason returns why the stage was skipped.
func (s *Stage) SkipReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipReason
}

// Begin transitions pending -> running. It reports whether the transition
// happened.
func (s *Stage) Begin() bool {
	if !s.status.CompareAndSwap(int32(StatusPending), int32(StatusRunning)) {
		return false
	}
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	return true
}

// Succeed transitions running -> succeeded.
func (s *Stage) Succeed() bool {
	if !s.status.CompareAndSwap(int32(StatusRunning), int32(StatusSucceeded)) {
		return false
	}
	s.mu.Lock()
	s.finishedAt = time.Now()
	s.mu.Unlock()
	return true
}

// Fail transitions running -> failed and records the cause.
func (s *Stage) Fail(err error) bool {
	s.mu.Lock()
	s.err = err
	s.finishedAt = time.Now()
	s.mu.Unlock()
	return s.status.CompareAndSwap(int32(StatusRunning), int32(StatusFailed))
}

// Skip transitions pending -> skipped with a reason and optional cause.
// A skipped stage is recorded, never silently dropped.
func (s *Stage) Skip(reason string, cause error) bool {
	s.mu.Lock()
	s.skipReason = reason
	s.err = cause
	s.finishedAt = time.Now()
	s.mu.Unlock()
	return s.status.CompareAndSwap(int32(StatusPending), int32(StatusSkipped))
}

// Rows returns a copy of the stage's per-component rows.
func (s *Stage) Rows() []ComponentRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ComponentRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// SetRow updates one component row.
func (s *Stage) SetRow(name string, status Status, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].Name == name {
			s.rows[i].Status = status
			s.rows[i].Detail = detail
			return
		}
	}
}

// Duration returns how long the stage ran, zero until it finishes.
func (s *Stage) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() || s.finishedAt.IsZero() {
		return 0
	}
	return s.finishedAt.Sub(s.startedAt)
}
