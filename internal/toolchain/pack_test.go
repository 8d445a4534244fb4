package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgrid/relgrid/internal/platform"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, ext := range []string{"tar.gz", "zip"} {
		t.Run(ext, func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src, map[string]string{
				"core/main.wl":        "core payload",
				"core/scripts/run.sh": "#!/bin/sh\n",
				"kernel/kernel.wl":    "kernel payload",
			})

			dest := filepath.Join(t.TempDir(), "artifact."+ext)
			require.NoError(t, Pack(src, dest))

			out := t.TempDir()
			require.NoError(t, Unpack(dest, out))

			got, err := os.ReadFile(filepath.Join(out, "core", "main.wl"))
			require.NoError(t, err)
			assert.Equal(t, "core payload", string(got))
			got, err = os.ReadFile(filepath.Join(out, "kernel", "kernel.wl"))
			require.NoError(t, err)
			assert.Equal(t, "kernel payload", string(got))
		})
	}
}

func TestHashFileIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	ha, err := HashFile(a)
	require.NoError(t, err)
	hb, err := HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	require.NoError(t, os.WriteFile(b, []byte("different"), 0o644))
	hb, err = HashFile(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestLocalPackageProducesArtifact(t *testing.T) {
	work := t.TempDir()
	writeTree(t, work, map[string]string{
		"src/core/main.wl": "core payload",
	})

	spec := PackageSpec{
		Product:          "relgrid",
		Version:          "1.4.0",
		Target:           platform.LinuxAmd64,
		WorkDir:          work,
		OutDir:           t.TempDir(),
		GraphFingerprint: "graph-fp",
		PinsFingerprint:  "pins-fp",
	}
	art, err := NewLocal().Package(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "relgrid-linux-amd64-v1.4.0.tar.gz", art.Name)
	assert.Equal(t, "graph-fp", art.GraphFingerprint)
	assert.Equal(t, "pins-fp", art.PinsFingerprint)
	assert.FileExists(t, art.Path)

	hash, err := HashFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, hash, art.ContentHash)
}
