// Package baseline loads declarative baseline manifests and serves frozen
// per-run snapshots of the repository descriptor set.
package baseline

import (
	"fmt"
	"sort"

	"github.com/relgrid/relgrid/internal/platform"
)

// Descriptor is the resolved record for one component repository: where it
// lives, which ref to build, and what it depends on.
type Descriptor struct {
	Name        string
	Source      string
	Ref         string
	DependsOn   []string
	SkipTestsOn []platform.Target
}

// SkipsTestsOn reports whether the component's tests are statically excluded
// on the given target.
func (d Descriptor) SkipsTestsOn(t platform.Target) bool {
	for _, s := range d.SkipTestsOn {
		if s == t {
			return true
		}
	}
	return false
}

// Product identifies the thing being built and released.
type Product struct {
	Name    string
	Version string
}

// Manifest is the decoded content of a baseline: the product identity plus
// the entry descriptor set.
type Manifest struct {
	Product    Product
	Components map[string]Descriptor
}

func (m *Manifest) validate() error {
	if m.Product.Name == "" {
		return fmt.Errorf("baseline is missing a product block with a name")
	}
	if m.Product.Version == "" {
		return fmt.Errorf("product %q has no version", m.Product.Name)
	}
	if len(m.Components) == 0 {
		return fmt.Errorf("baseline for %q declares no components", m.Product.Name)
	}
	return nil
}

// Snapshot is a frozen, read-only view of the descriptor set taken once per
// run. Mutating the store after a snapshot is taken never changes the
// snapshot.
type Snapshot struct {
	Product    Product
	components map[string]Descriptor
}

// Descriptor looks a component up by name.
func (s *Snapshot) Descriptor(name string) (Descriptor, bool) {
	d, ok := s.components[name]
	return d, ok
}

// Names returns every component name in the snapshot, ascending.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.components))
	for name := range s.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of components in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.components)
}

func copyDescriptor(d Descriptor) Descriptor {
	out := d
	out.DependsOn = append([]string(nil), d.DependsOn...)
	out.SkipTestsOn = append([]platform.Target(nil), d.SkipTestsOn...)
	return out
}
