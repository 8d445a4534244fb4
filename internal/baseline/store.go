package baseline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relgrid/relgrid/internal/ctxlog"
)

// ErrNotFound marks a descriptor name that no fetcher knows about.
var ErrNotFound = errors.New("descriptor not found")

// Fetcher resolves a component name to its descriptor, possibly over the
// network. Fetches must be idempotent: the same name always yields the same
// descriptor content within a run.
type Fetcher interface {
	FetchDescriptor(ctx context.Context, name string) (Descriptor, error)
}

// descriptorCacheSize bounds the fetch cache. Component graphs are tens of
// nodes, so this never evicts in practice.
const descriptorCacheSize = 256

// Store holds the descriptor set for a run: the baseline's local components
// fronting a cached fetcher for anything referenced but not declared locally.
type Store struct {
	mu      sync.RWMutex
	product Product
	local   map[string]Descriptor
	fetcher Fetcher
	cache   *lru.Cache[string, Descriptor]
}

// NewStore builds a store over a loaded manifest. fetcher may be nil, in
// which case only locally declared components resolve.
func NewStore(manifest *Manifest, fetcher Fetcher) (*Store, error) {
	cache, err := lru.New[string, Descriptor](descriptorCacheSize)
	if err != nil {
		return nil, err
	}
	local := make(map[string]Descriptor, len(manifest.Components))
	for name, desc := range manifest.Components {
		local[name] = copyDescriptor(desc)
	}
	return &Store{
		product: manifest.Product,
		local:   local,
		fetcher: fetcher,
		cache:   cache,
	}, nil
}

// Descriptor resolves name through the local set first, then the fetch
// cache, then the fetcher.
func (s *Store) Descriptor(ctx context.Context, name string) (Descriptor, error) {
	s.mu.RLock()
	desc, ok := s.local[name]
	s.mu.RUnlock()
	if ok {
		return copyDescriptor(desc), nil
	}

	if cached, ok := s.cache.Get(name); ok {
		return copyDescriptor(cached), nil
	}

	if s.fetcher == nil {
		return Descriptor{}, fmt.Errorf("component %q: %w", name, ErrNotFound)
	}

	fetched, err := s.fetcher.FetchDescriptor(ctx, name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("fetch descriptor %q: %w", name, err)
	}
	if fetched.Name == "" {
		fetched.Name = name
	}
	s.cache.Add(name, copyDescriptor(fetched))
	ctxlog.FromContext(ctx).Debug("Descriptor fetched.", "component", name, "ref", fetched.Ref)
	return fetched, nil
}

// Refresh replaces a locally held descriptor. Intended for use between runs;
// snapshots taken earlier are unaffected.
func (s *Store) Refresh(desc Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[desc.Name] = copyDescriptor(desc)
}

// Snapshot freezes the transitive closure of the baseline's components into
// an immutable per-run view. Dependency names that cannot be resolved are
// left out of the snapshot; the graph resolver reports them as unresolved
// references with full context.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	roots := make([]string, 0, len(s.local))
	for name := range s.local {
		roots = append(roots, name)
	}
	product := s.product
	s.mu.RUnlock()

	components := make(map[string]Descriptor)
	queue := roots
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, done := components[name]; done {
			continue
		}

		desc, err := s.Descriptor(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // surfaces later as UnresolvedError
			}
			return nil, err
		}
		components[name] = desc
		queue = append(queue, desc.DependsOn...)
	}

	return &Snapshot{Product: product, components: components}, nil
}
