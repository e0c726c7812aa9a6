package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/dyike/tradeflow/internal/models"
)

type NodeKind string

const (
	KindAnalyst    NodeKind = "analyst"
	KindRouter     NodeKind = "router"
	KindAggregator NodeKind = "aggregator"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindAnalyst, KindRouter, KindAggregator:
		return true
	}
	return false
}

// RouteFunc picks one successor of a router from the run state.
type RouteFunc func(snap models.StateSnapshot) (string, error)

// NodeSpec is one roster entry.
type NodeSpec struct {
	ID   string
	Name string
	Kind NodeKind

	// DependsOn must all succeed (or be pruned by a router) before the
	// node runs. SoftDependsOn only have to settle.
	DependsOn     []string
	SoftDependsOn []string

	// Context names upstream nodes whose outputs the node reads without
	// depending on them directly. Each must be a transitive dependency.
	Context []string

	// Required nodes fail the run when they fail or time out.
	Required bool

	Role    string
	Tools   []string
	Weight  float64
	Timeout time.Duration

	// Router configuration. Route wins over Rule when both are set.
	Rule       string
	Params     map[string]float64
	Route      RouteFunc
	Successors []string
}

// Deps returns hard then soft dependencies.
func (n NodeSpec) Deps() []string {
	out := make([]string, 0, len(n.DependsOn)+len(n.SoftDependsOn))
	out = append(out, n.DependsOn...)
	return append(out, n.SoftDependsOn...)
}

// Inputs returns the dependencies followed by the context nodes, without
// duplicates.
func (n NodeSpec) Inputs() []string {
	deps := n.Deps()
	if len(n.Context) == 0 {
		return deps
	}
	seen := make(map[string]bool, len(deps)+len(n.Context))
	out := make([]string, 0, len(deps)+len(n.Context))
	for _, id := range append(deps, n.Context...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// DisplayName is the node name, or its id when unnamed.
func (n NodeSpec) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

func (n NodeSpec) dependsOn(id string) bool {
	for _, d := range n.Deps() {
		if d == id {
			return true
		}
	}
	return false
}

// WorkflowGraph is an immutable, validated DAG of nodes.
type WorkflowGraph struct {
	nodes      map[string]NodeSpec
	order      []string
	topo       []string
	dependents map[string][]string
	terminals  []string
}

// NewWorkflowGraph validates specs and builds the graph. Every structural
// problem is reported as a models.ErrConfig.
func NewWorkflowGraph(specs []NodeSpec) (*WorkflowGraph, error) {
	if len(specs) == 0 {
		return nil, models.NewConfigError("roster has no nodes")
	}

	g := &WorkflowGraph{
		nodes:      make(map[string]NodeSpec, len(specs)),
		dependents: make(map[string][]string, len(specs)),
	}
	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, models.NewConfigError("node with empty id")
		}
		if _, dup := g.nodes[id]; dup {
			return nil, models.NewConfigError("duplicate node id %q", id)
		}
		if !spec.Kind.Valid() {
			return nil, models.NewConfigError("node %q has unknown kind %q", id, spec.Kind)
		}
		spec.ID = id
		g.nodes[id] = spec
		g.order = append(g.order, id)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Deps() {
			if dep == id {
				return nil, models.NewConfigError("node %q depends on itself", id)
			}
			d, ok := g.nodes[dep]
			if !ok {
				return nil, models.NewConfigError("node %q depends on unknown node %q", id, dep)
			}
			if d.Kind == KindAggregator {
				return nil, models.NewConfigError("node %q depends on aggregator %q", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		if err := g.checkRouter(n); err != nil {
			return nil, err
		}
		if n.Kind == KindAggregator {
			g.terminals = append(g.terminals, id)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	g.topo = g.topologicalSort()
	if err := g.checkContext(); err != nil {
		return nil, err
	}

	if len(g.terminals) == 0 {
		return nil, models.NewConfigError("roster has no aggregator node")
	}
	if err := g.checkReachesTerminal(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *WorkflowGraph) checkRouter(n NodeSpec) error {
	if n.Kind != KindRouter {
		if len(n.Successors) > 0 {
			return models.NewConfigError("node %q declares successors but is not a router", n.ID)
		}
		return nil
	}
	if len(n.Successors) == 0 {
		return models.NewConfigError("router %q has no successors", n.ID)
	}
	if n.Route == nil {
		route, err := LookupRule(n.Rule, n.Successors, n.Params)
		if err != nil {
			return models.NewConfigError("router %q: %v", n.ID, err)
		}
		n.Route = route
		g.nodes[n.ID] = n
	}
	seen := make(map[string]bool, len(n.Successors))
	for _, s := range n.Successors {
		succ, ok := g.nodes[s]
		if !ok {
			return models.NewConfigError("router %q routes to unknown node %q", n.ID, s)
		}
		if seen[s] {
			return models.NewConfigError("router %q lists successor %q twice", n.ID, s)
		}
		seen[s] = true
		if !succ.dependsOn(n.ID) {
			return models.NewConfigError("successor %q of router %q must depend on it", s, n.ID)
		}
	}
	return nil
}

// detectCycle runs a DFS with a recursion stack over dependency edges.
func (g *WorkflowGraph) detectCycle() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	var path []string
	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range g.nodes[id].Deps() {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return models.NewConfigError("dependency cycle: %s -> %s", strings.Join(path, " -> "), dep)
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topologicalSort is Kahn's algorithm, breaking ties by roster order.
func (g *WorkflowGraph) topologicalSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.nodes[id].Deps())
	}
	out := make([]string, 0, len(g.nodes))
	placed := make(map[string]bool, len(g.nodes))
	for len(out) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if placed[id] || inDegree[id] > 0 {
				continue
			}
			placed[id] = true
			out = append(out, id)
			progressed = true
			for _, d := range g.dependents[id] {
				inDegree[d]--
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// checkContext requires context nodes to be upstream, so they have settled
// before the reader is dispatched.
func (g *WorkflowGraph) checkContext() error {
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.Context) == 0 {
			continue
		}
		upstream := g.ancestors(id)
		for _, c := range n.Context {
			if !upstream[c] {
				return models.NewConfigError("node %q reads %q, which is not upstream of it", id, c)
			}
		}
	}
	return nil
}

func (g *WorkflowGraph) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.nodes[id].Deps()...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.nodes[cur].Deps()...)
	}
	return seen
}

func (g *WorkflowGraph) checkReachesTerminal() error {
	reaches := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), g.terminals...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reaches[id] {
			continue
		}
		reaches[id] = true
		queue = append(queue, g.nodes[id].Deps()...)
	}
	for _, id := range g.order {
		if !reaches[id] {
			return models.NewConfigError("node %q cannot reach any aggregator", id)
		}
	}
	return nil
}

// Resolve looks a node up by id.
func (g *WorkflowGraph) Resolve(id string) (NodeSpec, error) {
	n, ok := g.nodes[id]
	if !ok {
		return NodeSpec{}, models.NewConfigError("unknown node %q", id)
	}
	return n, nil
}

// ReadyNodes returns, in roster order, the nodes not yet completed whose
// dependencies are all in completed.
func (g *WorkflowGraph) ReadyNodes(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.nodes[id].Deps() {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// IsTerminal reports whether id is an aggregator.
func (g *WorkflowGraph) IsTerminal(id string) bool {
	n, ok := g.nodes[id]
	return ok && n.Kind == KindAggregator
}

// Route evaluates a router node and checks the answer is a declared successor.
func (g *WorkflowGraph) Route(id string, snap models.StateSnapshot) (string, error) {
	n, ok := g.nodes[id]
	if !ok || n.Kind != KindRouter {
		return "", fmt.Errorf("node %q is not a router", id)
	}
	next, err := n.Route(snap)
	if err != nil {
		return "", err
	}
	for _, s := range n.Successors {
		if s == next {
			return next, nil
		}
	}
	return "", fmt.Errorf("router %q chose %q, which is not one of %v", id, next, n.Successors)
}

// Nodes returns the specs in roster order.
func (g *WorkflowGraph) Nodes() []NodeSpec {
	out := make([]NodeSpec, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len is the number of nodes.
func (g *WorkflowGraph) Len() int { return len(g.order) }

// Dependents returns the nodes that depend on id, hard or soft.
func (g *WorkflowGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Terminals returns the aggregator ids in roster order.
func (g *WorkflowGraph) Terminals() []string {
	return append([]string(nil), g.terminals...)
}

// Order returns a topological order of the node ids.
func (g *WorkflowGraph) Order() []string {
	return append([]string(nil), g.topo...)
}
