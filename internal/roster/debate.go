package roster

import (
	"fmt"
	"sort"

	"github.com/dyike/tradeflow/consts"
	"github.com/dyike/tradeflow/internal/graph"
	"github.com/dyike/tradeflow/internal/models"
)

// debate lists analysts that take turns in speaker order, Rounds times each.
// Each turn soft-depends on the turn before it, so every speaker answers the
// previous one while the graph stays acyclic. Dependencies between speakers
// of one debate are replaced by that chain.
type debate struct {
	Rounds   int      `yaml:"rounds"`
	Speakers []string `yaml:"speakers"`
}

// unrollDebates expands every debate into one node per turn. The last turn
// of a speaker keeps the speaker's id, so nodes downstream of the debate are
// unchanged; earlier turns are suffixed with their round. Router successors
// naming a speaker are moved to its first turn.
func unrollDebates(specs []graph.NodeSpec, debates map[string]debate) ([]graph.NodeSpec, error) {
	names := make([]string, 0, len(debates))
	for name := range debates {
		names = append(names, name)
	}
	sort.Strings(names)

	claimed := make(map[string]string)
	for _, name := range names {
		var err error
		if specs, err = unrollDebate(specs, name, debates[name], claimed); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

func unrollDebate(specs []graph.NodeSpec, name string, d debate, claimed map[string]string) ([]graph.NodeSpec, error) {
	rounds := d.Rounds
	if rounds == 0 {
		rounds = 1
	}
	if rounds < 0 || rounds > consts.MaxDebateRounds {
		return nil, models.NewConfigError("debate %q: rounds must be between 1 and %d", name, consts.MaxDebateRounds)
	}
	if len(d.Speakers) < 2 {
		return nil, models.NewConfigError("debate %q needs at least two speakers", name)
	}

	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.ID] = i
	}
	speakers := nodeIDs(d.Speakers)
	isSpeaker := make(map[string]bool, len(speakers))
	for _, id := range speakers {
		i, ok := index[id]
		if !ok {
			return nil, models.NewConfigError("debate %q: unknown speaker %q", name, id)
		}
		if specs[i].Kind != graph.KindAnalyst {
			return nil, models.NewConfigError("debate %q: speaker %q is not an analyst", name, id)
		}
		if other, ok := claimed[id]; ok {
			return nil, models.NewConfigError("debate %q: speaker %q already speaks in debate %q", name, id, other)
		}
		if isSpeaker[id] {
			return nil, models.NewConfigError("debate %q lists speaker %q twice", name, id)
		}
		claimed[id] = name
		isSpeaker[id] = true
	}

	turnID := func(speaker string, round int) string {
		if round == rounds {
			return speaker
		}
		return fmt.Sprintf("%s_round%d", speaker, round)
	}
	isRouter := func(id string) bool {
		i, ok := index[id]
		return ok && specs[i].Kind == graph.KindRouter
	}

	var (
		turns []graph.NodeSpec
		said  []string
	)
	for round := 1; round <= rounds; round++ {
		for _, speaker := range speakers {
			base := specs[index[speaker]]
			deps := without(base.DependsOn, isSpeaker)
			soft := without(base.SoftDependsOn, isSpeaker)

			t := base
			t.ID = turnID(speaker, round)
			t.Tools = append([]string(nil), base.Tools...)
			if rounds > 1 {
				t.Name = fmt.Sprintf("%s (round %d)", base.DisplayName(), round)
			}
			t.DependsOn, t.SoftDependsOn = nil, nil
			t.Context = append([]string(nil), base.Context...)

			if round == 1 {
				t.DependsOn = append(t.DependsOn, deps...)
				t.SoftDependsOn = append(t.SoftDependsOn, soft...)
			} else {
				// External inputs were read on the first turn and stay in view.
				for _, id := range append(deps, soft...) {
					if !isRouter(id) {
						t.Context = append(t.Context, id)
					}
				}
			}
			// A failed turn does not end the debate.
			if n := len(said); n > 0 {
				t.SoftDependsOn = append(t.SoftDependsOn, said[n-1])
				t.Context = append(t.Context, said[:n-1]...)
			}
			turns = append(turns, t)
			said = append(said, t.ID)
		}
	}

	first := make(map[string]string, len(speakers))
	for _, id := range speakers {
		first[id] = turnID(id, 1)
	}

	out := make([]graph.NodeSpec, 0, len(specs)+len(turns))
	for _, s := range specs {
		if isSpeaker[s.ID] {
			if s.ID == speakers[0] {
				out = append(out, turns...)
			}
			continue
		}
		if s.Kind == graph.KindRouter && rounds > 1 {
			succ := make([]string, len(s.Successors))
			for i, id := range s.Successors {
				if f, ok := first[id]; ok {
					id = f
				}
				succ[i] = id
			}
			s.Successors = succ
		}
		out = append(out, s)
	}
	return out, nil
}

func without(ids []string, drop map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
