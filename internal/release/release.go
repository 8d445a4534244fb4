// Package release cuts a coordinated multi-repository release: it verifies
// that every platform's artifacts came from the same resolved inputs, tags
// the affected repositories, aggregates changelogs, and publishes artifacts
// idempotently.
package release

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/relgrid/relgrid/internal/ctxlog"
	"github.com/relgrid/relgrid/internal/graph"
	"github.com/relgrid/relgrid/internal/pins"
	"github.com/relgrid/relgrid/internal/releasestore"
)

// InconsistentReleaseError blocks publication when the per-platform artifact
// sets were not built from one identical resolved snapshot.
type InconsistentReleaseError struct {
	Detail string
}

func (e *InconsistentReleaseError) Error() string {
	return "inconsistent release set: " + e.Detail
}

// Repo identifies one component repository for tagging and changelog
// purposes.
type Repo struct {
	Name   string
	Source string
}

// Tagger creates a tag in a component repository.
type Tagger interface {
	Tag(ctx context.Context, repo Repo, tag string) error
}

// ChangeSource lists commit subjects in a repository between two refs.
type ChangeSource interface {
	Commits(ctx context.Context, repo Repo, fromRef, toRef string) ([]string, error)
}

// Options tunes one release.
type Options struct {
	// PreviousTag is the prior release tag changelogs are computed from.
	// Empty means full history.
	PreviousTag string

	// PinBumps maps tool name to the version pinned once the release
	// publishes.
	PinBumps map[string]string
}

// Summary reports what a release did.
type Summary struct {
	Version        string
	Tag            string
	Tagged         []string
	Published      []string
	AlreadyPresent []string
	Changelog      string
	BumpedPins     []pins.Pin
}

// Releaser coordinates the release steps.
type Releaser struct {
	store   releasestore.Store
	tagger  Tagger
	changes ChangeSource
}

// New creates a releaser. changes may be nil to skip changelog aggregation.
func New(store releasestore.Store, tagger Tagger, changes ChangeSource) *Releaser {
	return &Releaser{store: store, tagger: tagger, changes: changes}
}

// Release runs the full sequence: consistency check, tagging, changelog,
// publication, pin bumps. Publication is resumable: artifacts whose content
// hash is already stored are left alone, so a retry after a partial publish
// converges without duplicates. On a consistency failure nothing is tagged
// and nothing is published.
func (r *Releaser) Release(ctx context.Context, g *graph.Graph, registry *pins.Registry, artifacts []releasestore.Artifact, opts Options) (*Summary, error) {
	logger := ctxlog.FromContext(ctx)

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("release requires at least one artifact")
	}

	if err := r.checkConsistency(g, registry, artifacts); err != nil {
		return nil, err
	}

	version := artifacts[0].Version
	summary := &Summary{Version: version, Tag: "v" + version}

	// Tag every repository in the resolved graph, dependencies first.
	for _, node := range g.Order() {
		repo := Repo{Name: node.Name(), Source: node.Descriptor.Source}
		if err := r.tagger.Tag(ctx, repo, summary.Tag); err != nil {
			return summary, fmt.Errorf("tag %s in %q: %w", summary.Tag, repo.Name, err)
		}
		summary.Tagged = append(summary.Tagged, repo.Name)
	}
	logger.Info("Repositories tagged.", "tag", summary.Tag, "count", len(summary.Tagged))

	if r.changes != nil {
		changelog, err := r.aggregateChangelog(ctx, g, summary.Tag, opts.PreviousTag)
		if err != nil {
			return summary, err
		}
		summary.Changelog = changelog
	}

	for _, art := range artifacts {
		present, err := r.store.Has(ctx, art)
		if err != nil {
			return summary, fmt.Errorf("check release store for %s: %w", art.Name, err)
		}
		if present {
			summary.AlreadyPresent = append(summary.AlreadyPresent, art.Name)
			logger.Debug("Artifact already present, skipping.", "name", art.Name)
			continue
		}
		if err := r.publishOne(ctx, art); err != nil {
			return summary, err
		}
		summary.Published = append(summary.Published, art.Name)
	}

	if registry != nil && len(opts.PinBumps) > 0 {
		tools := make([]string, 0, len(opts.PinBumps))
		for tool := range opts.PinBumps {
			tools = append(tools, tool)
		}
		sort.Strings(tools)
		for _, tool := range tools {
			pin, err := registry.Bump(tool, opts.PinBumps[tool])
			if err != nil {
				return summary, fmt.Errorf("bump pin for %q: %w", tool, err)
			}
			summary.BumpedPins = append(summary.BumpedPins, pin)
		}
	}

	logger.Info("Release complete.",
		"version", version, "published", len(summary.Published), "already_present", len(summary.AlreadyPresent))
	return summary, nil
}

// checkConsistency verifies every artifact was built from the identical
// resolved graph snapshot and pin set this release is being cut against.
func (r *Releaser) checkConsistency(g *graph.Graph, registry *pins.Registry, artifacts []releasestore.Artifact) error {
	graphFP := g.Fingerprint()
	pinsFP := ""
	if registry != nil {
		fp, err := registry.Fingerprint()
		if err != nil {
			return err
		}
		pinsFP = fp
	}

	version := artifacts[0].Version
	var mismatches []string
	for _, art := range artifacts {
		switch {
		case art.Version != version:
			mismatches = append(mismatches, fmt.Sprintf("%s carries version %s, expected %s", art.Name, art.Version, version))
		case art.GraphFingerprint != graphFP:
			mismatches = append(mismatches, fmt.Sprintf("%s was built from a different graph snapshot", art.Name))
		case pinsFP != "" && art.PinsFingerprint != pinsFP:
			mismatches = append(mismatches, fmt.Sprintf("%s was built under a different pin set", art.Name))
		}
	}
	if len(mismatches) > 0 {
		return &InconsistentReleaseError{Detail: strings.Join(mismatches, "; ")}
	}
	return nil
}

func (r *Releaser) aggregateChangelog(ctx context.Context, g *graph.Graph, tag, previousTag string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Release %s\n", tag)
	for _, node := range g.Order() {
		repo := Repo{Name: node.Name(), Source: node.Descriptor.Source}
		commits, err := r.changes.Commits(ctx, repo, previousTag, tag)
		if err != nil {
			return "", fmt.Errorf("changelog for %q: %w", repo.Name, err)
		}
		if len(commits) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", repo.Name)
		for _, commit := range commits {
			fmt.Fprintf(&b, "- %s\n", commit)
		}
	}
	return b.String(), nil
}

func (r *Releaser) publishOne(ctx context.Context, art releasestore.Artifact) error {
	f, err := os.Open(art.Path)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", art.Name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, art, f, info.Size()); err != nil {
		return fmt.Errorf("publish %s: %w", art.Name, err)
	}
	return nil
}
