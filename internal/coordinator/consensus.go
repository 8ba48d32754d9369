package coordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/REPPL/Persona-sub005/internal/domain"
)

// groupingThreshold is the minimum name+role similarity for two personas
// to land in the same consensus group.
const groupingThreshold = 0.5

type consensusGroup struct {
	seed    *domain.Persona
	members []*domain.Persona
	order   int // first-occurrence index, for stable tie-breaking
}

// mergeByConsensus clusters personas from all successful runs by lexical
// name+role similarity and merges each cluster into one representative
// persona. Groups below the agreement threshold are still emitted but
// flagged as low-consensus.
func mergeByConsensus(runs []BackendRun, count int, agreementThreshold float64) []*domain.Persona {
	reporting := 0
	var groups []*consensusGroup

	for i := range runs {
		if len(runs[i].Personas) == 0 {
			continue
		}
		reporting++
		for _, p := range runs[i].Personas {
			attach(&groups, p)
		}
	}
	if reporting == 0 {
		return nil
	}

	// Largest groups first; ties keep first-occurrence order.
	sort.SliceStable(groups, func(a, b int) bool {
		if len(groups[a].members) != len(groups[b].members) {
			return len(groups[a].members) > len(groups[b].members)
		}
		return groups[a].order < groups[b].order
	})
	if len(groups) > count {
		groups = groups[:count]
	}

	merged := make([]*domain.Persona, 0, len(groups))
	for _, g := range groups {
		merged = append(merged, mergeGroup(g, reporting, agreementThreshold))
	}
	return merged
}

// attach adds the persona to the first group whose seed is similar
// enough, or starts a new group.
func attach(groups *[]*consensusGroup, p *domain.Persona) {
	for _, g := range *groups {
		if similarity(g.seed, p) >= groupingThreshold {
			g.members = append(g.members, p)
			return
		}
	}
	*groups = append(*groups, &consensusGroup{
		seed:    p,
		members: []*domain.Persona{p},
		order:   len(*groups),
	})
}

// similarity is the Jaccard overlap of the lowercased name+role token
// sets of two personas.
func similarity(a, b *domain.Persona) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(p *domain.Persona) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(p.Name + " " + p.Role)) {
		set[tok] = struct{}{}
	}
	return set
}

// mergeGroup folds one group into a single persona: list fields are
// unioned, scalar fields take the majority role's representative (ties
// broken by first occurrence), and every contributing backend is
// recorded on the result.
func mergeGroup(g *consensusGroup, reporting int, agreementThreshold float64) *domain.Persona {
	representative := majorityRepresentative(g.members)

	merged := &domain.Persona{
		ID:          uuid.NewString(),
		Name:        representative.Name,
		Role:        representative.Role,
		Description: representative.Description,
		Goals:       unionLists(g.members, func(p *domain.Persona) []string { return p.Goals }),
		PainPoints:  unionLists(g.members, func(p *domain.Persona) []string { return p.PainPoints }),
		Behaviors:   unionLists(g.members, func(p *domain.Persona) []string { return p.Behaviors }),
	}

	sources := make(map[string]struct{})
	for _, m := range g.members {
		for _, src := range m.Sources {
			if _, seen := sources[src]; !seen {
				sources[src] = struct{}{}
				merged.Sources = append(merged.Sources, src)
			}
		}
	}

	merged.Agreement = float64(len(merged.Sources)) / float64(reporting)
	merged.LowConsensus = merged.Agreement < agreementThreshold
	merged.Annotate(fmt.Sprintf("consensus: merged from %d member(s) across %d backend(s)",
		len(g.members), len(merged.Sources)))

	return merged
}

// majorityRepresentative picks the first member holding the most common
// role in the group.
func majorityRepresentative(members []*domain.Persona) *domain.Persona {
	counts := make(map[string]int)
	for _, m := range members {
		counts[strings.ToLower(m.Role)]++
	}

	best := members[0]
	bestCount := counts[strings.ToLower(best.Role)]
	for _, m := range members[1:] {
		if c := counts[strings.ToLower(m.Role)]; c > bestCount {
			best = m
			bestCount = c
		}
	}
	return best
}

// unionLists dedupes case-insensitively while preserving first-seen order.
func unionLists(members []*domain.Persona, field func(*domain.Persona) []string) []string {
	var union []string
	seen := make(map[string]struct{})
	for _, m := range members {
		for _, v := range field(m) {
			key := strings.ToLower(strings.TrimSpace(v))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			union = append(union, v)
		}
	}
	return union
}
