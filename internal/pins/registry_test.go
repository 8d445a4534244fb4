package pins

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	require.NoError(t, err)

	// Deterministic, strictly increasing clock.
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	reg.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return reg
}

func TestCurrentUnknownTool(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.Current("builder")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestBumpIsAppendOnly(t *testing.T) {
	reg := openTestRegistry(t)

	_, err := reg.Bump("builder", "12.0")
	require.NoError(t, err)

	versions := []string{"12.1", "12.2", "13.0"}
	for _, v := range versions {
		pin, err := reg.Bump("builder", v)
		require.NoError(t, err)
		assert.Equal(t, v, pin.Version)
	}

	history, err := reg.History("builder")
	require.NoError(t, err)
	require.Len(t, history, 4, "initial pin plus N bumps must yield N+1 entries")

	// Oldest-first, and no prior entry mutated.
	assert.Equal(t, "12.0", history[0].Version)
	assert.Equal(t, "13.0", history[3].Version)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].EffectiveFrom.After(history[i-1].EffectiveFrom))
	}

	current, err := reg.Current("builder")
	require.NoError(t, err)
	assert.Equal(t, "13.0", current.Version)
	assert.Equal(t, history[3].EffectiveFrom, current.EffectiveFrom)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir)
	require.NoError(t, err)
	_, err = reg.Bump("vm", "9.2")
	require.NoError(t, err)
	_, err = reg.Bump("vm", "9.3")
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	history, err := reopened.History("vm")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "9.2", history[0].Version)
	assert.Equal(t, "9.3", history[1].Version)
}

func TestHandWrittenVersionFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "releaser.version"), []byte("4.1\n"), 0o644))

	reg, err := Open(dir)
	require.NoError(t, err)

	current, err := reg.Current("releaser")
	require.NoError(t, err)
	assert.Equal(t, "4.1", current.Version)

	history, err := reg.History("releaser")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "4.1", history[0].Version)
}

func TestToolsAndFingerprint(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.Bump("vm", "9.2")
	require.NoError(t, err)
	_, err = reg.Bump("builder", "12.0")
	require.NoError(t, err)

	tools, err := reg.Tools()
	require.NoError(t, err)
	assert.Equal(t, []string{"builder", "vm"}, tools)

	fp1, err := reg.Fingerprint()
	require.NoError(t, err)
	fp2, err := reg.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "fingerprint must be stable for an unchanged pin set")

	_, err = reg.Bump("vm", "9.3")
	require.NoError(t, err)
	fp3, err := reg.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "a bump must change the pin set fingerprint")
}
