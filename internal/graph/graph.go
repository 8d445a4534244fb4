// Package graph resolves a frozen descriptor snapshot into an acyclic
// dependency graph with a deterministic build order.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/relgrid/relgrid/internal/baseline"
	"github.com/relgrid/relgrid/internal/ctxlog"
)

// Node is one component in the resolved graph. Diamond dependencies share a
// single Node instance, so downstream "already loaded" checks can rely on
// identity.
type Node struct {
	Descriptor baseline.Descriptor

	deps       map[string]*Node
	dependents map[string]*Node
}

// Name returns the component name.
func (n *Node) Name() string {
	return n.Descriptor.Name
}

// Dependencies returns the nodes this node depends on, name ascending.
func (n *Node) Dependencies() []*Node {
	return sortedNodes(n.deps)
}

// Dependents returns the nodes depending on this node, name ascending.
func (n *Node) Dependents() []*Node {
	return sortedNodes(n.dependents)
}

func sortedNodes(m map[string]*Node) []*Node {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, m[name])
	}
	return out
}

// Graph is a resolved, acyclic dependency graph plus its total build order.
type Graph struct {
	nodes map[string]*Node
	order []*Node
}

// Node looks a node up by component name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Order returns the topological build order, dependencies first. Among nodes
// whose dependencies are all resolved, names ascend, so the order is
// reproducible across runs for identical input.
func (g *Graph) Order() []*Node {
	out := make([]*Node, len(g.order))
	copy(out, g.order)
	return out
}

// OrderNames returns Order as component names.
func (g *Graph) OrderNames() []string {
	names := make([]string, 0, len(g.order))
	for _, n := range g.order {
		names = append(names, n.Name())
	}
	return names
}

// Fingerprint is a stable digest of the resolved graph: every node's name,
// ref and dependency list in build order. Two runs resolving identical input
// produce identical fingerprints.
func (g *Graph) Fingerprint() string {
	h := sha256.New()
	for _, n := range g.order {
		deps := append([]string(nil), n.Descriptor.DependsOn...)
		sort.Strings(deps)
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\n", n.Name(), n.Descriptor.Source, n.Descriptor.Ref, strings.Join(deps, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Resolve builds the dependency graph for a snapshot and computes its build
// order. It fails with *UnresolvedError when a declared dependency has no
// descriptor, and with *CycleError when the graph is not acyclic; a cyclic
// graph never yields a partial order.
func Resolve(ctx context.Context, snap *baseline.Snapshot) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	g := &Graph{nodes: make(map[string]*Node, snap.Len())}
	for _, name := range snap.Names() {
		desc, _ := snap.Descriptor(name)
		g.nodes[name] = &Node{
			Descriptor: desc,
			deps:       make(map[string]*Node),
			dependents: make(map[string]*Node),
		}
	}

	// Link edges. A depends-on B becomes an edge B -> A for ordering.
	for _, name := range snap.Names() {
		node := g.nodes[name]
		for _, depName := range node.Descriptor.DependsOn {
			dep, ok := g.nodes[depName]
			if !ok {
				return nil, &UnresolvedError{From: name, Missing: depName}
			}
			node.deps[depName] = dep
			dep.dependents[name] = node
		}
	}
	logger.Debug("Graph linked.", "nodes", len(g.nodes))

	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.order = order
	logger.Debug("Graph resolved.", "order", g.OrderNames())
	return g, nil
}

// topoSort runs Kahn's algorithm with a name-sorted ready set. Leftover
// nodes mean a cycle, which is located and reported in full.
func topoSort(g *Graph) ([]*Node, error) {
	remaining := make(map[string]int, len(g.nodes))
	ready := make([]string, 0, len(g.nodes))
	for name, n := range g.nodes {
		remaining[name] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		node := g.nodes[name]
		order = append(order, node)

		unlocked := make([]string, 0, len(node.dependents))
		for depName := range node.dependents {
			remaining[depName]--
			if remaining[depName] == 0 {
				unlocked = append(unlocked, depName)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{Path: findCycle(g, remaining)}
	}
	return order, nil
}

// mergeSorted merges two ascending string slices into one.
func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// findCycle walks the unresolved remainder of the graph depth-first and
// returns the first cycle found as an ordered path closed on the repeated
// node. Candidate nodes and their dependencies are visited in name order, so
// the reported cycle is deterministic.
func findCycle(g *Graph, remaining map[string]int) []string {
	stuck := make([]string, 0, len(remaining))
	for name, count := range remaining {
		if count > 0 {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)

	onStack := make(map[string]int)
	var stack []string

	var walk func(n *Node) []string
	walk = func(n *Node) []string {
		name := n.Name()
		if pos, ok := onStack[name]; ok {
			return append(append([]string(nil), stack[pos:]...), name)
		}
		onStack[name] = len(stack)
		stack = append(stack, name)
		for _, dep := range n.Dependencies() {
			if path := walk(dep); path != nil {
				return path
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, name)
		return nil
	}

	for _, name := range stuck {
		if path := walk(g.nodes[name]); path != nil {
			return path
		}
	}
	return nil
}
