package engine

import (
	"sort"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/program"
)

// arbitration is the result of one arbitration pass.
type arbitration struct {
	// selected is the minimal greedy cover: every contributor that owns at
	// least one address no higher-ranked contributor owns, in rank order.
	selected []program.Contributor
	// declarers lists, per address, the contributors declaring it, in rank
	// order. The merge walks these to resolve priority and reservation.
	declarers map[alloy.Address][]program.Contributor
}

// arbitrate ranks the candidates by priority descending, name ascending, and
// computes the greedy minimal cover: a contributor is selected iff it is the
// highest-ranked declarer of at least one address. Contributors that are not
// due still appear in the ranking, so their declared outputs stay reserved
// at their priority.
func arbitrate(candidates []program.Contributor) arbitration {
	ranked := make([]program.Contributor, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Priority() != ranked[j].Priority() {
			return ranked[i].Priority() > ranked[j].Priority()
		}
		return ranked[i].Name() < ranked[j].Name()
	})

	res := arbitration{
		declarers: make(map[alloy.Address][]program.Contributor),
	}
	for _, c := range ranked {
		covers := false
		for _, addr := range c.Outputs() {
			if len(res.declarers[addr]) == 0 {
				covers = true
			}
			res.declarers[addr] = append(res.declarers[addr], c)
		}
		if covers {
			res.selected = append(res.selected, c)
		}
	}
	return res
}

// merge folds the evaluated harvests into the final output vector. For each
// address the ranked declarers are walked: the first one that wrote the
// address this tick wins; a declarer that was scheduled but did not write
// falls through to the next; a declarer that was not evaluated (slow-mode
// skip or failed tick) reserves the slot, so nothing is emitted and the
// downstream holds its last value.
func merge(arb arbitration, harvests map[program.Contributor]*program.Harvest) map[alloy.Address]alloy.Value {
	vector := make(map[alloy.Address]alloy.Value)
	for addr, declarers := range arb.declarers {
		for _, c := range declarers {
			h, ok := harvests[c]
			if !ok {
				break
			}
			if v, wrote := h.Outputs[addr]; wrote {
				vector[addr] = v
				break
			}
		}
	}
	return vector
}
