package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/plan"
	"github.com/relgrid/relgrid/internal/platform"
	"github.com/relgrid/relgrid/internal/releasestore"
	"github.com/relgrid/relgrid/internal/testutil"
)

func compiledPlan(t *testing.T, deps map[string][]string, targets []string, opts plan.Options) (*baseline.Snapshot, *plan.Plan) {
	t.Helper()
	manifest := &baseline.Manifest{
		Product:    baseline.Product{Name: "relgrid", Version: "1.4.0"},
		Components: make(map[string]baseline.Descriptor),
	}
	for name, dependsOn := range deps {
		manifest.Components[name] = baseline.Descriptor{
			Name:      name,
			Source:    "https://git.example.com/" + name + ".git",
			Ref:       "v1.4.0",
			DependsOn: dependsOn,
		}
	}
	store, err := baseline.NewStore(manifest, nil)
	require.NoError(t, err)
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	g, err := graph.Resolve(context.Background(), snap)
	require.NoError(t, err)
	p, planErrs, err := plan.Compile(context.Background(), snap, g, targets, nil, opts)
	require.NoError(t, err)
	require.Empty(t, planErrs)
	return snap, p
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T, tc *testutil.FakeToolchain, store releasestore.Store) *Orchestrator {
	t.Helper()
	return New(tc, Options{
		WorkDir: t.TempDir(),
		OutDir:  t.TempDir(),
		Retry:   fastRetry(),
		Store:   store,
	})
}

func stageStatuses(lr *LaneReport) map[string]string {
	out := make(map[string]string, len(lr.Stages))
	for _, s := range lr.Stages {
		out[s.Kind] = s.Status
	}
	return out
}

func callIndex(calls []string, prefix string) int {
	for i, call := range calls {
		if strings.HasPrefix(call, prefix) {
			return i
		}
	}
	return -1
}

func TestRunAllStagesSucceed(t *testing.T) {
	// Chain a -> b -> c on one signing target: all six stages succeed and
	// load follows the topological order.
	snap, p := compiledPlan(t, map[string][]string{"a": {"b"}, "b": {"c"}, "c": {}}, []string{"darwin-amd64"}, plan.Options{})
	tc := testutil.NewFakeToolchain()
	store := releasestore.NewMemory()
	o := newTestOrchestrator(t, tc, store)

	report, err := o.Run(context.Background(), p, snap)
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)

	lane := report.Lane("darwin-amd64")
	require.NotNil(t, lane)
	require.Len(t, lane.Stages, 6)
	for _, stage := range lane.Stages {
		assert.Equal(t, "succeeded", stage.Status, "stage %s", stage.Kind)
	}

	calls := tc.Calls()
	loadC := callIndex(calls, "load:darwin-amd64:c")
	loadB := callIndex(calls, "load:darwin-amd64:b")
	loadA := callIndex(calls, "load:darwin-amd64:a")
	require.NotEqual(t, -1, loadC)
	assert.Less(t, loadC, loadB)
	assert.Less(t, loadB, loadA)

	require.Len(t, report.Artifacts, 1)
	ok, err := store.Has(context.Background(), report.Artifacts[0])
	require.NoError(t, err)
	assert.True(t, ok, "artifact must be published")
}

func TestRunLoadFailureBlocksLane(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64", "linux-arm64"}, plan.Options{})
	tc := testutil.NewFakeToolchain()
	tc.FailLoadOn = map[string]bool{"linux-arm64": true}
	o := newTestOrchestrator(t, tc, releasestore.NewMemory())

	report, err := o.Run(context.Background(), p, snap)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, ClassBuild, runErr.Class)

	// The healthy lane completes fully.
	healthy := stageStatuses(report.Lane("linux-amd64"))
	assert.Equal(t, "succeeded", healthy["fetch"])
	assert.Equal(t, "succeeded", healthy["load"])
	assert.Equal(t, "succeeded", healthy["test"])
	assert.Equal(t, "succeeded", healthy["package"])
	assert.Equal(t, "succeeded", healthy["publish"])

	// The broken lane records load failed and everything after it skipped.
	broken := stageStatuses(report.Lane("linux-arm64"))
	assert.Equal(t, "succeeded", broken["fetch"])
	assert.Equal(t, "failed", broken["load"])
	assert.Equal(t, "skipped", broken["test"])
	assert.Equal(t, "skipped", broken["package"])
	assert.Equal(t, "skipped", broken["publish"])

	// Skipped stages are annotated, not silently dropped.
	lane := p.Lane(platform.LinuxArm64)
	assert.ErrorIs(t, lane.Stage(plan.StageTest).Err(), ErrBlockedByPriorFailure)
	assert.ErrorIs(t, lane.Stage(plan.StagePublish).Err(), ErrBlockedByPriorFailure)
}

func TestRunFetchRetriesTransientFailures(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64"}, plan.Options{Through: plan.StageLoad})
	tc := testutil.NewFakeToolchain()
	tc.FetchTransientFailures = 2 // fewer than the 3 attempts allowed
	o := newTestOrchestrator(t, tc, nil)

	report, err := o.Run(context.Background(), p, snap)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", stageStatuses(report.Lane("linux-amd64"))["fetch"])

	fetches := 0
	for _, call := range tc.Calls() {
		if strings.HasPrefix(call, "fetch:") {
			fetches++
		}
	}
	assert.Equal(t, 3, fetches, "two transient failures then one success")
}

func TestRunFetchExhaustsRetries(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64"}, plan.Options{Through: plan.StageLoad})
	tc := testutil.NewFakeToolchain()
	tc.FetchTransientFailures = 10
	o := newTestOrchestrator(t, tc, nil)

	report, err := o.Run(context.Background(), p, snap)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, ClassBuild, runErr.Class)
	assert.Equal(t, "failed", stageStatuses(report.Lane("linux-amd64"))["fetch"])
}

func TestRunRecordsTestFailuresPerComponent(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"good": {}, "flaky": {}, "alsogood": {}}, []string{"linux-amd64"}, plan.Options{Through: plan.StageTest})
	tc := testutil.NewFakeToolchain()
	tc.FailTests = map[string]bool{"linux-amd64:flaky": true}
	o := newTestOrchestrator(t, tc, nil)

	report, err := o.Run(context.Background(), p, snap)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, ClassTest, runErr.Class)

	testStage := report.Lane("linux-amd64").Stage("test")
	require.NotNil(t, testStage)
	assert.Equal(t, "failed", testStage.Status)

	byName := make(map[string]ComponentReport)
	for _, row := range testStage.Components {
		byName[row.Name] = row
	}
	assert.Equal(t, "failed", byName["flaky"].Status)
	assert.Equal(t, "succeeded", byName["good"].Status)
	assert.Equal(t, "succeeded", byName["alsogood"].Status, "testing continues past a failed component")
}

func TestRunSkipListedComponentsStaySkipped(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"gui": {}, "core": {}}, []string{"linux-amd64"}, plan.Options{Through: plan.StageTest, Skip: []string{"gui"}})
	tc := testutil.NewFakeToolchain()
	o := newTestOrchestrator(t, tc, nil)

	report, err := o.Run(context.Background(), p, snap)
	require.NoError(t, err)

	testStage := report.Lane("linux-amd64").Stage("test")
	for _, row := range testStage.Components {
		if row.Name == "gui" {
			assert.Equal(t, "skipped", row.Status)
			assert.NotEmpty(t, row.SkipReason)
		}
	}
	assert.Equal(t, -1, callIndex(tc.Calls(), "test:linux-amd64:gui"), "skip-listed component must not execute")
}

func TestRunPublishIsIdempotent(t *testing.T) {
	store := releasestore.NewMemory()

	runOnce := func() *Report {
		snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64"}, plan.Options{})
		o := newTestOrchestrator(t, testutil.NewFakeToolchain(), store)
		report, err := o.Run(context.Background(), p, snap)
		require.NoError(t, err)
		return report
	}

	first := runOnce()
	require.Len(t, first.Artifacts, 1)
	assert.Equal(t, 1, store.PutCount())

	// An identical re-run converges on the same single stored artifact.
	second := runOnce()
	assert.Equal(t, first.Artifacts[0].ContentHash, second.Artifacts[0].ContentHash)
	assert.Equal(t, 1, store.PutCount(), "identical content hash must not upload twice")
	assert.Equal(t, "succeeded", stageStatuses(second.Lane("linux-amd64"))["publish"])
}

func TestRunTentativeGate(t *testing.T) {
	t.Run("downstream tests wait for the tentative package", func(t *testing.T) {
		snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64", "darwin-amd64"}, plan.Options{})
		require.True(t, p.HasTentative)
		tc := testutil.NewFakeToolchain()
		tc.Delay = time.Millisecond
		o := newTestOrchestrator(t, tc, releasestore.NewMemory())

		_, err := o.Run(context.Background(), p, snap)
		require.NoError(t, err)

		calls := tc.Calls()
		tentativePackage := callIndex(calls, "package:linux-amd64:")
		downstreamTest := callIndex(calls, "test:darwin-amd64:")
		require.NotEqual(t, -1, tentativePackage)
		require.NotEqual(t, -1, downstreamTest)
		assert.Less(t, tentativePackage, downstreamTest,
			"downstream lane tests must start only after the tentative lane packaged")
	})

	t.Run("tentative failure blocks downstream tests instead of hanging", func(t *testing.T) {
		snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64", "darwin-amd64"}, plan.Options{})
		tc := testutil.NewFakeToolchain()
		tc.FailLoadOn = map[string]bool{"linux-amd64": true}
		o := newTestOrchestrator(t, tc, releasestore.NewMemory())

		done := make(chan struct{})
		var report *Report
		var err error
		go func() {
			report, err = o.Run(context.Background(), p, snap)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("run hung waiting on a tentative lane that already failed")
		}
		require.Error(t, err)

		downstream := stageStatuses(report.Lane("darwin-amd64"))
		assert.Equal(t, "succeeded", downstream["fetch"])
		assert.Equal(t, "succeeded", downstream["load"])
		assert.Equal(t, "skipped", downstream["test"])
		assert.Equal(t, "skipped", downstream["package"])
	})
}

func TestRunCancellation(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"a": {}, "b": {}, "c": {}}, []string{"linux-amd64"}, plan.Options{})
	tc := testutil.NewFakeToolchain()
	tc.Delay = 20 * time.Millisecond
	o := newTestOrchestrator(t, tc, releasestore.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := o.Run(ctx, p, snap)
	require.Error(t, err)

	// Every stage reached a terminal state; nothing is left running.
	for _, lane := range report.Lanes {
		for _, stage := range lane.Stages {
			assert.Contains(t, []string{"succeeded", "failed", "skipped"}, stage.Status,
				"stage %s/%s must be terminal after cancellation", lane.Target, stage.Kind)
		}
	}
}

func TestRunStageTimeout(t *testing.T) {
	snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64", "linux-arm64"}, plan.Options{Through: plan.StageLoad})
	tc := testutil.NewFakeToolchain()
	tc.Delay = 50 * time.Millisecond
	o := New(tc, Options{
		WorkDir:      t.TempDir(),
		OutDir:       t.TempDir(),
		Retry:        RetryPolicy{Attempts: 1},
		StageTimeout: 10 * time.Millisecond,
	})

	report, err := o.Run(context.Background(), p, snap)
	require.Error(t, err)

	// Timeout fails the stage and blocks its lane, the run still returns a
	// complete report for both lanes.
	for _, lane := range report.Lanes {
		assert.Equal(t, "failed", stageStatuses(&lane)["fetch"], "lane %s", lane.Target)
	}
}

func TestRunErrorClassPrecedence(t *testing.T) {
	// One lane fails its tests, another fails to load: the build-class
	// failure wins the exit classification.
	snap, p := compiledPlan(t, map[string][]string{"core": {}}, []string{"linux-amd64", "linux-arm64"}, plan.Options{Through: plan.StageTest})
	tc := testutil.NewFakeToolchain()
	tc.FailTests = map[string]bool{"linux-amd64:core": true}
	tc.FailLoadOn = map[string]bool{"linux-arm64": true}
	o := newTestOrchestrator(t, tc, nil)

	_, err := o.Run(context.Background(), p, snap)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, ClassBuild, runErr.Class)
	assert.Len(t, runErr.Failures, 2)
}

func TestRetryPolicyRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastRetry().Do(ctx, "noop", func(context.Context) error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
}
