package releasestore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory is an in-memory Store for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	puts    int
}

type memObject struct {
	artifact Artifact
	content  []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Has(_ context.Context, art Artifact) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[art.Key()]
	return ok && obj.artifact.ContentHash == art.ContentHash, nil
}

func (m *Memory) Put(_ context.Context, art Artifact, content io.Reader, _ int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read artifact content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[art.Key()] = memObject{artifact: art, content: data}
	return nil
}

func (m *Memory) List(_ context.Context, product, version string) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Artifact
	for _, obj := range m.objects {
		if obj.artifact.Product == product && obj.artifact.Version == version {
			out = append(out, obj.artifact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutCount returns how many uploads actually happened, for idempotency
// assertions in tests.
func (m *Memory) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Content returns a stored artifact's bytes.
func (m *Memory) Content(art Artifact) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[art.Key()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.content...), true
}
