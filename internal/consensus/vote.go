package consensus

import (
	"github.com/dohr-michael/quorum/internal/action"
)

// voteKind picks the decision's action kind: plurality over the ballot,
// ties broken by the priority table, where lower means more conservative
// and wins.
func voteKind(ballot []Proposal) action.Kind {
	counts := make(map[action.Kind]int, len(ballot))
	for _, p := range ballot {
		counts[p.Kind]++
	}

	var winner action.Kind
	bestCount := -1
	for kind, count := range counts {
		switch {
		case count > bestCount:
			winner, bestCount = kind, count
		case count == bestCount && action.Priority(kind) < action.Priority(winner):
			winner = kind
		}
	}
	return winner
}

// proposalsOf filters the ballot to one kind, preserving ballot order.
func proposalsOf(ballot []Proposal, kind action.Kind) []Proposal {
	var out []Proposal
	for _, p := range ballot {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}
