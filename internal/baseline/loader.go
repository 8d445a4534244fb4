package baseline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/platform"
)

// Loader reads baseline manifests written in HCL.
type Loader struct{}

// NewLoader creates a new HCL baseline loader.
func NewLoader() *Loader {
	return &Loader{}
}

// fileRoot decodes all top-level blocks a baseline file may carry.
type fileRoot struct {
	Product    *productBlock     `hcl:"product,block"`
	Components []*componentBlock `hcl:"component,block"`
	Remain     hcl.Body          `hcl:",remain"`
}

type productBlock struct {
	Name    string `hcl:"name"`
	Version string `hcl:"version"`
}

type componentBlock struct {
	Name        string   `hcl:"name,label"`
	Source      string   `hcl:"source"`
	Ref         string   `hcl:"ref"`
	DependsOn   []string `hcl:"depends_on,optional"`
	SkipTestsOn []string `hcl:"skip_tests_on,optional"`
}

// Load parses the baseline at path, which may be a single .hcl file or a
// directory of them, and merges every block into one Manifest. Baseline
// attributes may reference process environment variables as env.NAME.
func (l *Loader) Load(ctx context.Context, path string) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findHCLFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl baseline files found under %s", path)
	}
	logger.Debug("Discovered baseline files.", "count", len(files))

	manifest := &Manifest{Components: make(map[string]Descriptor)}
	parser := hclparse.NewParser()
	evalCtx := envEvalContext()

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse baseline file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode baseline file %s: %w", file, diags)
		}

		if root.Product != nil {
			if manifest.Product.Name != "" && manifest.Product.Name != root.Product.Name {
				return nil, fmt.Errorf("conflicting product blocks: %q and %q", manifest.Product.Name, root.Product.Name)
			}
			manifest.Product = Product{Name: root.Product.Name, Version: root.Product.Version}
		}

		for _, block := range root.Components {
			desc, err := translateComponent(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if _, exists := manifest.Components[desc.Name]; exists {
				return nil, fmt.Errorf("duplicate component name %q in baseline", desc.Name)
			}
			manifest.Components[desc.Name] = desc
		}
	}

	if err := manifest.validate(); err != nil {
		return nil, err
	}
	logger.Debug("Baseline loading complete.", "product", manifest.Product.Name, "components", len(manifest.Components))
	return manifest, nil
}

func translateComponent(block *componentBlock) (Descriptor, error) {
	if block.Source == "" {
		return Descriptor{}, fmt.Errorf("component %q has an empty source", block.Name)
	}
	if block.Ref == "" {
		return Descriptor{}, fmt.Errorf("component %q has an empty ref", block.Name)
	}

	desc := Descriptor{
		Name:      block.Name,
		Source:    block.Source,
		Ref:       block.Ref,
		DependsOn: append([]string(nil), block.DependsOn...),
	}
	for _, name := range block.SkipTestsOn {
		target, err := platform.Parse(name)
		if err != nil {
			return Descriptor{}, fmt.Errorf("component %q skip_tests_on: %w", block.Name, err)
		}
		desc.SkipTestsOn = append(desc.SkipTestsOn, target)
	}
	return desc, nil
}

// envEvalContext exposes the process environment to baseline expressions as
// the env object, so refs and sources can be parameterized per run.
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		vars[parts[0]] = cty.StringVal(parts[1])
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// findHCLFiles walks path and returns every .hcl file found, deduplicated.
func findHCLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing baseline path %s: %w", path, err)
	}

	if !info.IsDir() {
		if filepath.Ext(path) != ".hcl" {
			return nil, fmt.Errorf("baseline file %s is not an .hcl file", path)
		}
		return []string{path}, nil
	}

	var files []string
	seen := make(map[string]struct{})
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(p) != ".hcl" {
			return nil
		}
		if _, ok := seen[p]; !ok {
			files = append(files, p)
			seen[p] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
