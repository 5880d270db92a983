// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package digraph provides the directed dependency graph used while
// assembling an archive. Nodes are keyed by qualified module name (or
// a pickle key) and carry free-form attributes describing how the node
// will be emitted. Node and edge traversal is in insertion order,
// which is what makes archive output deterministic. Cycles are
// permitted; closure over the graph is membership-guarded by callers.
package digraph

// Attrs holds per-node metadata. Merging is last-writer-wins per key.
type Attrs map[string]interface{}

// Graph is a directed graph with insertion-ordered traversal. There is
// no removal operation.
type Graph struct {
	order []string
	nodes map[string]Attrs

	edges   [][2]string
	edgeSet map[[2]string]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]Attrs),
		edgeSet: make(map[[2]string]bool),
	}
}

// AddNode inserts name, or updates it if already present. Attributes
// merge key-by-key with the newest write winning.
func (g *Graph) AddNode(name string, attrs Attrs) {
	existing, ok := g.nodes[name]
	if !ok {
		existing = make(Attrs, len(attrs))
		g.nodes[name] = existing
		g.order = append(g.order, name)
	}
	for k, v := range attrs {
		existing[k] = v
	}
}

// AddEdge records that u depends on v, creating either endpoint if
// absent. Duplicate edges collapse.
func (g *Graph) AddEdge(u, v string) {
	if !g.Contains(u) {
		g.AddNode(u, nil)
	}
	if !g.Contains(v) {
		g.AddNode(v, nil)
	}
	e := [2]string{u, v}
	if g.edgeSet[e] {
		return
	}
	g.edgeSet[e] = true
	g.edges = append(g.edges, e)
}

// Contains reports whether name is a node.
func (g *Graph) Contains(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Nodes returns every node name in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns every (u, v) edge in insertion order.
func (g *Graph) Edges() [][2]string {
	out := make([][2]string, len(g.edges))
	copy(out, g.edges)
	return out
}

// Attrs returns the attribute map for name, or nil if name is not a
// node. The returned map is live; callers treat it as read-only.
func (g *Graph) Attrs(name string) Attrs {
	return g.nodes[name]
}
