package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/orchestrator"
	"github.com/relgrid/relgrid/internal/plan"
)

func TestNewConfigValidation(t *testing.T) {
	t.Run("pipeline commands require a baseline path", func(t *testing.T) {
		_, err := NewConfig(Config{Command: CommandBuild})
		require.ErrorContains(t, err, "BaselinePath")
	})

	t.Run("install requires artifact and destination", func(t *testing.T) {
		_, err := NewConfig(Config{Command: CommandInstall, ArtifactPath: "a.tar.gz"})
		require.ErrorContains(t, err, "destination")
	})

	t.Run("unknown command rejected", func(t *testing.T) {
		_, err := NewConfig(Config{Command: "deploy", BaselinePath: "b.hcl"})
		require.ErrorContains(t, err, "deploy")
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg, err := NewConfig(Config{Command: CommandTest, BaselinePath: "b.hcl"})
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.WorkDir)
		assert.NotEmpty(t, cfg.OutDir)
	})
}

func TestThroughStagePerCommand(t *testing.T) {
	cases := []struct {
		command string
		publish bool
		want    plan.StageKind
	}{
		{CommandTest, false, plan.StageTest},
		{CommandPackage, false, plan.StageSign},
		{CommandBuild, false, plan.StageSign},
		{CommandBuild, true, plan.StageKind("")},
	}
	for _, tc := range cases {
		a := &App{config: &Config{Command: tc.command, Publish: tc.publish}}
		assert.Equal(t, tc.want, a.throughStage(), "command %s publish=%v", tc.command, tc.publish)
	}
}

func compiledTestPlan(t *testing.T) (*plan.Plan, *baseline.Snapshot) {
	t.Helper()
	manifest := &baseline.Manifest{
		Product: baseline.Product{Name: "relgrid", Version: "1.0.0"},
		Components: map[string]baseline.Descriptor{
			"core": {Name: "core", Source: "https://git.example.com/core.git", Ref: "main"},
		},
	}
	store, err := baseline.NewStore(manifest, nil)
	require.NoError(t, err)
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	g, err := graph.Resolve(context.Background(), snap)
	require.NoError(t, err)
	p, laneErrs, err := plan.Compile(context.Background(), snap, g, []string{"linux-amd64"}, nil, plan.Options{Through: plan.StageTest})
	require.NoError(t, err)
	require.Empty(t, laneErrs)
	return p, snap
}

func TestStatusHandler(t *testing.T) {
	p, _ := compiledTestPlan(t)

	var out bytes.Buffer
	a := &App{
		outW:   &out,
		errW:   &out,
		logger: newLogger("error", "text", &out),
		config: &Config{Command: CommandTest},
	}

	t.Run("404 before a run starts", func(t *testing.T) {
		rec := httptest.NewRecorder()
		a.statusHandler(rec, httptest.NewRequest("GET", "/status", nil))
		assert.Equal(t, 404, rec.Code)
	})

	t.Run("serves the live plan state", func(t *testing.T) {
		a.setActivePlan(p, "run-123", time.Now())

		rec := httptest.NewRecorder()
		a.statusHandler(rec, httptest.NewRequest("GET", "/status", nil))
		require.Equal(t, 200, rec.Code)

		var rep orchestrator.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
		assert.Equal(t, "run-123", rep.RunID)
		assert.Equal(t, "relgrid", rep.Product)
		require.Len(t, rep.Lanes, 1)
		assert.Equal(t, "linux-amd64", rep.Lanes[0].Target)
	})
}

func TestRenderReport(t *testing.T) {
	p, _ := compiledTestPlan(t)
	rep := orchestrator.BuildReport("run-xyz", p, time.Now(), time.Now(), nil)

	var out bytes.Buffer
	a := &App{outW: &out, logger: newLogger("error", "text", &out)}
	a.renderReport(rep)

	assert.Contains(t, out.String(), "relgrid v1.0.0 run run-xyz")
	assert.Contains(t, out.String(), "linux-amd64")
	assert.Contains(t, out.String(), "fetch")
}
