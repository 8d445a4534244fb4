package baseline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher serves descriptors from a map and counts fetches per name.
type countingFetcher struct {
	descriptors map[string]Descriptor
	calls       map[string]int
}

func (f *countingFetcher) FetchDescriptor(_ context.Context, name string) (Descriptor, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	desc, ok := f.descriptors[name]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return desc, nil
}

func testManifest() *Manifest {
	return &Manifest{
		Product: Product{Name: "relgrid", Version: "1.0.0"},
		Components: map[string]Descriptor{
			"app": {Name: "app", Source: "https://git.example.com/app.git", Ref: "v1", DependsOn: []string{"lib"}},
		},
	}
}

func TestStoreFetchIsCached(t *testing.T) {
	fetcher := &countingFetcher{descriptors: map[string]Descriptor{
		"lib": {Name: "lib", Source: "https://git.example.com/lib.git", Ref: "v1"},
	}}
	store, err := NewStore(testManifest(), fetcher)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := store.Descriptor(ctx, "lib")
	require.NoError(t, err)
	second, err := store.Descriptor(ctx, "lib")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetcher.calls["lib"], "identical name fetched twice must hit the cache")
}

func TestStoreUnknownName(t *testing.T) {
	store, err := NewStore(testManifest(), nil)
	require.NoError(t, err)

	_, err = store.Descriptor(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotClosesOverDependencies(t *testing.T) {
	fetcher := &countingFetcher{descriptors: map[string]Descriptor{
		"lib": {Name: "lib", Source: "https://git.example.com/lib.git", Ref: "v1", DependsOn: []string{"base"}},
		"base": {Name: "base", Source: "https://git.example.com/base.git", Ref: "v1"},
	}}
	store, err := NewStore(testManifest(), fetcher)
	require.NoError(t, err)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"app", "base", "lib"}, snap.Names())
	lib, ok := snap.Descriptor("lib")
	require.True(t, ok)
	assert.Equal(t, []string{"base"}, lib.DependsOn)
}

func TestSnapshotIsFrozen(t *testing.T) {
	store, err := NewStore(testManifest(), &countingFetcher{descriptors: map[string]Descriptor{
		"lib": {Name: "lib", Source: "https://git.example.com/lib.git", Ref: "v1"},
	}})
	require.NoError(t, err)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	// A refresh after the snapshot must not be observed by it.
	store.Refresh(Descriptor{Name: "app", Source: "elsewhere", Ref: "v2"})

	app, ok := snap.Descriptor("app")
	require.True(t, ok)
	assert.Equal(t, "v1", app.Ref)
	assert.Equal(t, "https://git.example.com/app.git", app.Source)
}

func TestSnapshotLeavesMissingNamesOut(t *testing.T) {
	// app depends on lib, which nobody can resolve. The snapshot simply
	// omits it; the resolver reports the dangling edge.
	store, err := NewStore(testManifest(), nil)
	require.NoError(t, err)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, snap.Names())
}
