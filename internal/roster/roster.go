package roster

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
	"github.com/dyike/tradeflow/internal/tools"
)

//go:embed default_roster.yaml
var defaultRoster []byte

const (
	maxTitleLen = 64
	maxRoleLen  = 20000
)

// Loader produces the node specs of one roster.
type Loader interface {
	Load() ([]graph.NodeSpec, error)
}

// FileLoader reads a roster file. An empty Path loads the embedded default.
// Positive Rounds entries override the rounds of the named debates.
type FileLoader struct {
	Path   string
	Rounds map[string]int
}

func (l FileLoader) Load() ([]graph.NodeSpec, error) {
	var opts []Option
	for name, n := range l.Rounds {
		opts = append(opts, WithRounds(name, n))
	}
	if strings.TrimSpace(l.Path) == "" {
		return Default(opts...)
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, models.NewConfigError("read roster %s: %v", l.Path, err)
	}
	specs, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", l.Path, err)
	}
	return specs, nil
}

type options struct {
	rounds map[string]int
}

type Option func(*options)

// WithRounds sets how often each speaker of debate name takes the floor.
// Zero or negative keeps the roster's setting.
func WithRounds(name string, rounds int) Option {
	return func(o *options) {
		if rounds > 0 {
			o.rounds[name] = rounds
		}
	}
}

// Default returns the embedded default roster.
func Default(opts ...Option) ([]graph.NodeSpec, error) {
	return Parse(defaultRoster, opts...)
}

// DefaultYAML returns the embedded default roster document.
func DefaultYAML() []byte {
	return bytes.Clone(defaultRoster)
}

type document struct {
	// CustomModes replace the first-stage analysts of the default roster.
	CustomModes []entry           `yaml:"customModes"`
	Agents      []entry           `yaml:"agents"`
	Debates     map[string]debate `yaml:"debates"`
}

type entry struct {
	Slug           string             `yaml:"slug"`
	Name           string             `yaml:"name"`
	RoleDefinition string             `yaml:"roleDefinition"`
	Kind           string             `yaml:"kind"`
	DependsOn      []string           `yaml:"dependsOn"`
	SoftDependsOn  []string           `yaml:"softDependsOn"`
	Context        []string           `yaml:"context"`
	Required       bool               `yaml:"required"`
	Tools          *[]string          `yaml:"tools"`
	Weight         float64            `yaml:"weight"`
	Timeout        string             `yaml:"timeout"`
	Rule           string             `yaml:"rule"`
	Successors     []string           `yaml:"successors"`
	Params         map[string]float64 `yaml:"params"`

	// Mode metadata, accepted and ignored.
	Description string   `yaml:"description"`
	WhenToUse   string   `yaml:"whenToUse"`
	Groups      []string `yaml:"groups"`
	Source      string   `yaml:"source"`
}

// Parse decodes a roster document. Unknown fields are rejected. A document
// with only customModes keeps the downstream pipeline of the default roster
// and wires it to the custom analysts; its debates may then only set rounds.
func Parse(data []byte, opts ...Option) ([]graph.NodeSpec, error) {
	o := options{rounds: map[string]int{}}
	for _, opt := range opts {
		opt(&o)
	}

	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	modes, agents, err := doc.specs()
	if err != nil {
		return nil, err
	}

	specs, debates := agents, doc.Debates
	switch {
	case len(agents) == 0:
		base, err := decode(defaultRoster)
		if err != nil {
			return nil, err
		}
		_, baseAgents, err := base.specs()
		if err != nil {
			return nil, err
		}
		debates = make(map[string]debate, len(base.Debates))
		for name, d := range base.Debates {
			debates[name] = d
		}
		for name, d := range doc.Debates {
			cur, ok := debates[name]
			if !ok || len(d.Speakers) > 0 {
				return nil, models.NewConfigError("debate %q: a customModes roster can only set rounds of the default debates", name)
			}
			if d.Rounds != 0 {
				cur.Rounds = d.Rounds
			}
			debates[name] = cur
		}
		specs = ReplaceAnalysts(baseAgents, modes)
	case len(modes) > 0:
		specs = append(modes, agents...)
	}
	for name, n := range o.rounds {
		if d, ok := debates[name]; ok {
			d.Rounds = n
			debates[name] = d
		}
	}
	return unrollDebates(specs, debates)
}

func decode(data []byte) (document, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return document{}, models.NewConfigError("parse roster: %v", err)
	}
	if len(doc.CustomModes) == 0 && len(doc.Agents) == 0 {
		return document{}, models.NewConfigError("roster defines no agents")
	}
	return doc, nil
}

func (doc document) specs() (modes, agents []graph.NodeSpec, err error) {
	modes = make([]graph.NodeSpec, 0, len(doc.CustomModes))
	for i, e := range doc.CustomModes {
		if e.Kind != "" && e.Kind != string(graph.KindAnalyst) {
			return nil, nil, models.NewConfigError("customModes[%d]: custom modes must be analysts", i)
		}
		spec, err := e.spec()
		if err != nil {
			return nil, nil, models.NewConfigError("customModes[%d]: %v", i, err)
		}
		modes = append(modes, spec)
	}

	agents = make([]graph.NodeSpec, 0, len(doc.Agents))
	for i, e := range doc.Agents {
		spec, err := e.spec()
		if err != nil {
			return nil, nil, models.NewConfigError("agents[%d]: %v", i, err)
		}
		agents = append(agents, spec)
	}
	return modes, agents, nil
}

func (e entry) spec() (graph.NodeSpec, error) {
	slug := strings.TrimSpace(e.Slug)
	if slug == "" {
		return graph.NodeSpec{}, errors.New("slug is required")
	}
	if len(slug) > maxTitleLen || len(e.Name) > maxTitleLen {
		return graph.NodeSpec{}, fmt.Errorf("%s: slug and name are limited to %d characters", slug, maxTitleLen)
	}
	if len(e.RoleDefinition) > maxRoleLen {
		return graph.NodeSpec{}, fmt.Errorf("%s: roleDefinition is limited to %d characters", slug, maxRoleLen)
	}

	kind := graph.NodeKind(strings.ToLower(strings.TrimSpace(e.Kind)))
	if kind == "" {
		kind = graph.KindAnalyst
	}

	spec := graph.NodeSpec{
		ID:            NodeID(slug),
		Name:          strings.TrimSpace(e.Name),
		Kind:          kind,
		DependsOn:     nodeIDs(e.DependsOn),
		SoftDependsOn: nodeIDs(e.SoftDependsOn),
		Context:       nodeIDs(e.Context),
		Required:      e.Required,
		Role:          strings.TrimSpace(e.RoleDefinition),
		Weight:        e.Weight,
		Rule:          e.Rule,
		Params:        e.Params,
		Successors:    nodeIDs(e.Successors),
	}
	if spec.Weight < 0 {
		return graph.NodeSpec{}, fmt.Errorf("%s: weight must not be negative", slug)
	}
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil || d <= 0 {
			return graph.NodeSpec{}, fmt.Errorf("%s: invalid timeout %q", slug, e.Timeout)
		}
		spec.Timeout = d
	}
	if kind == graph.KindAnalyst && spec.Role == "" {
		return graph.NodeSpec{}, fmt.Errorf("%s: roleDefinition is required", slug)
	}

	switch {
	case e.Tools != nil:
		spec.Tools = expandTools(*e.Tools)
	case kind == graph.KindAnalyst && len(spec.Deps()) == 0:
		spec.Tools = tools.ToolsForKey(InferToolKey(slug, spec.Name))
	}
	return spec, nil
}

// NodeID maps a slug such as "market-analyst" to its node id.
func NodeID(slug string) string {
	return strings.ReplaceAll(strings.TrimSpace(slug), "-", "_")
}

func nodeIDs(slugs []string) []string {
	if len(slugs) == 0 {
		return nil
	}
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		out = append(out, NodeID(s))
	}
	return out
}

// InferToolKey picks the data family of an analyst from its slug or name,
// falling back to market data.
func InferToolKey(slug, name string) string {
	key := strings.ToLower(slug + " " + name)
	switch {
	case strings.Contains(key, "news"):
		return consts.ToolKeyNews
	case strings.Contains(key, "social"), strings.Contains(key, "sentiment"):
		return consts.ToolKeySocial
	case strings.Contains(key, "fundamental"):
		return consts.ToolKeyFundamentals
	}
	return consts.ToolKeyMarket
}

// expandTools resolves tool keys to capability names and keeps other names
// as given, dropping duplicates.
func expandTools(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if caps := tools.ToolsForKey(n); caps != nil {
			for _, c := range caps {
				add(c)
			}
			continue
		}
		add(n)
	}
	return out
}

// ReplaceAnalysts swaps the first-stage analysts of base (analysts without
// dependencies) for analysts. Nodes that depended on the old analysts depend
// on the new ones instead: required analysts as hard dependencies, the rest
// as soft ones.
func ReplaceAnalysts(base, analysts []graph.NodeSpec) []graph.NodeSpec {
	old := make(map[string]bool)
	for _, n := range base {
		if n.Kind == graph.KindAnalyst && len(n.Deps()) == 0 {
			old[n.ID] = true
		}
	}

	var hard, soft []string
	for _, a := range analysts {
		if a.Required {
			hard = append(hard, a.ID)
		} else {
			soft = append(soft, a.ID)
		}
	}

	out := append([]graph.NodeSpec(nil), analysts...)
	for _, n := range base {
		if old[n.ID] {
			continue
		}
		if rewired, deps, softDeps := rewire(n, old); rewired {
			n.DependsOn = append(deps, hard...)
			n.SoftDependsOn = append(softDeps, soft...)
		}
		out = append(out, n)
	}
	return out
}

func rewire(n graph.NodeSpec, old map[string]bool) (bool, []string, []string) {
	var hit bool
	keep := func(ids []string) []string {
		var kept []string
		for _, id := range ids {
			if old[id] {
				hit = true
				continue
			}
			kept = append(kept, id)
		}
		return kept
	}
	deps := keep(n.DependsOn)
	soft := keep(n.SoftDependsOn)
	return hit, deps, soft
}
