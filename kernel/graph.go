package kernel

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

type nodeSet map[string]struct{}

type adjacency map[string]nodeSet

// Graph is the dependency graph of a configuration. An edge from a dependent to a dependency
// exists for every connector binding whose target is declared.
type Graph struct {
	nodes        nodeSet
	dependencies adjacency
	dependents   adjacency
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:        make(nodeSet),
		dependencies: make(adjacency),
		dependents:   make(adjacency),
	}
}

func addToSet(adj adjacency, key, node string) {
	nodes, ok := adj[key]
	if !ok {
		nodes = make(nodeSet)
		adj[key] = nodes
	}
	nodes[node] = struct{}{}
}

func sortedKeys(s nodeSet) []string {
	out := lo.Keys(s)
	sort.Strings(out)
	return out
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(name string) {
	g.nodes[name] = struct{}{}
}

// AddDependency records that dependent connects to dependency. Both nodes are created if needed.
func (g *Graph) AddDependency(dependent, dependency string) {
	g.AddNode(dependent)
	g.AddNode(dependency)
	addToSet(g.dependencies, dependent, dependency)
	addToSet(g.dependents, dependency, dependent)
}

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Nodes returns every node, sorted.
func (g *Graph) Nodes() []string {
	return sortedKeys(g.nodes)
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	return sortedKeys(g.dependencies[name])
}

// Dependents returns the modules connecting directly to name, sorted.
func (g *Graph) Dependents(name string) []string {
	return sortedKeys(g.dependents[name])
}

func (g *Graph) reach(adj adjacency, name string) nodeSet {
	if !g.Has(name) {
		return nil
	}
	out := make(nodeSet)
	next := []string{name}
	for len(next) > 0 {
		var found []string
		for _, n := range next {
			for nn := range adj[n] {
				if _, ok := out[nn]; !ok && nn != name {
					out[nn] = struct{}{}
					found = append(found, nn)
				}
			}
		}
		next = found
	}
	return out
}

// AllDependencies returns every module name transitively depends on, sorted.
func (g *Graph) AllDependencies(name string) []string {
	return sortedKeys(g.reach(g.dependencies, name))
}

// AllDependents returns every module that transitively depends on name, sorted.
func (g *Graph) AllDependents(name string) []string {
	return sortedKeys(g.reach(g.dependents, name))
}

// IsDependingOn returns whether dependent transitively depends on dependency.
func (g *Graph) IsDependingOn(dependent, dependency string) bool {
	_, ok := g.reach(g.dependencies, dependent)[dependency]
	return ok
}

// Remove removes a node and every edge touching it.
func (g *Graph) Remove(name string) {
	for dep := range g.dependencies[name] {
		delete(g.dependents[dep], name)
		if len(g.dependents[dep]) == 0 {
			delete(g.dependents, dep)
		}
	}
	for dep := range g.dependents[name] {
		delete(g.dependencies[dep], name)
		if len(g.dependencies[dep]) == 0 {
			delete(g.dependencies, dep)
		}
	}
	delete(g.dependencies, name)
	delete(g.dependents, name)
	delete(g.nodes, name)
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := NewGraph()
	for n := range g.nodes {
		out.AddNode(n)
	}
	for from, tos := range g.dependencies {
		for to := range tos {
			out.AddDependency(from, to)
		}
	}
	return out
}

// DOT renders the graph in Graphviz format. Failed modules are drawn red with their reason.
func (g *Graph) DOT(failed map[string]string) string {
	var b strings.Builder
	b.WriteString("digraph labkernel {\n")
	b.WriteString("\trankdir=BT;\n")
	for _, n := range g.Nodes() {
		if reason, ok := failed[n]; ok {
			fmt.Fprintf(&b, "\t%q [color=red, tooltip=%q];\n", n, reason)
			continue
		}
		fmt.Fprintf(&b, "\t%q;\n", n)
	}
	for _, from := range g.Nodes() {
		for _, to := range g.Dependencies(from) {
			fmt.Fprintf(&b, "\t%q -> %q;\n", from, to)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
