package baseline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relgrid/relgrid/internal/platform"
)

func writeBaseline(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

const basicBaseline = `
product {
  name    = "relgrid"
  version = "1.4.0"
}

component "base" {
  source = "https://git.example.com/relgrid/base.git"
  ref    = "v1.4.0"
}

component "kernel" {
  source        = "https://git.example.com/relgrid/kernel.git"
  ref           = "v1.4.0"
  depends_on    = ["base"]
  skip_tests_on = ["darwin-arm64"]
}
`

func TestLoaderBasic(t *testing.T) {
	dir := writeBaseline(t, map[string]string{"baseline.hcl": basicBaseline})

	manifest, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, Product{Name: "relgrid", Version: "1.4.0"}, manifest.Product)
	require.Len(t, manifest.Components, 2)

	kernel := manifest.Components["kernel"]
	assert.Equal(t, "https://git.example.com/relgrid/kernel.git", kernel.Source)
	assert.Equal(t, "v1.4.0", kernel.Ref)
	assert.Equal(t, []string{"base"}, kernel.DependsOn)
	assert.Equal(t, []platform.Target{platform.DarwinArm64}, kernel.SkipTestsOn)
	assert.True(t, kernel.SkipsTestsOn(platform.DarwinArm64))
	assert.False(t, kernel.SkipsTestsOn(platform.LinuxAmd64))
}

func TestLoaderMergesDirectory(t *testing.T) {
	dir := writeBaseline(t, map[string]string{
		"product.hcl": `
product {
  name    = "relgrid"
  version = "2.0.0"
}
`,
		"components/core.hcl": `
component "core" {
  source = "https://git.example.com/relgrid/core.git"
  ref    = "main"
}
`,
	})

	manifest, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", manifest.Product.Version)
	assert.Contains(t, manifest.Components, "core")
}

func TestLoaderEnvInterpolation(t *testing.T) {
	t.Setenv("RELGRID_TEST_REF", "release-sprint")
	dir := writeBaseline(t, map[string]string{"baseline.hcl": `
product {
  name    = "relgrid"
  version = "1.0.0"
}

component "core" {
  source = "https://git.example.com/relgrid/core.git"
  ref    = env.RELGRID_TEST_REF
}
`})

	manifest, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "release-sprint", manifest.Components["core"].Ref)
}

func TestLoaderRejectsBadInput(t *testing.T) {
	t.Run("duplicate component name", func(t *testing.T) {
		dir := writeBaseline(t, map[string]string{"baseline.hcl": `
product {
  name    = "relgrid"
  version = "1.0.0"
}

component "core" {
  source = "a"
  ref    = "x"
}

component "core" {
  source = "b"
  ref    = "y"
}
`})
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "duplicate component name")
	})

	t.Run("missing ref", func(t *testing.T) {
		dir := writeBaseline(t, map[string]string{"baseline.hcl": `
product {
  name    = "relgrid"
  version = "1.0.0"
}

component "core" {
  source = "a"
  ref    = ""
}
`})
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "empty ref")
	})

	t.Run("unknown skip target", func(t *testing.T) {
		dir := writeBaseline(t, map[string]string{"baseline.hcl": `
product {
  name    = "relgrid"
  version = "1.0.0"
}

component "core" {
  source        = "a"
  ref           = "x"
  skip_tests_on = ["solaris-sparc"]
}
`})
		_, err := NewLoader().Load(context.Background(), dir)
		var perr *platform.UnsupportedPlatformError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("missing product block", func(t *testing.T) {
		dir := writeBaseline(t, map[string]string{"baseline.hcl": `
component "core" {
  source = "a"
  ref    = "x"
}
`})
		_, err := NewLoader().Load(context.Background(), dir)
		assert.ErrorContains(t, err, "product block")
	})
}
