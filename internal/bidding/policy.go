package bidding

import (
	"fmt"

	"github.com/capmesh/capmesh/internal/registry"
)

// Policy selects the winning bid from a round.
type Policy string

const (
	// PolicyHighestScore selects the bid with the highest numeric score.
	// This is the default.
	PolicyHighestScore Policy = "highest_score"

	// PolicyFastest selects the bid with the lowest estimated duration.
	PolicyFastest Policy = "fastest"

	// PolicyMostConfident selects the bid with the highest confidence.
	PolicyMostConfident Policy = "most_confident"

	// PolicyLeastLoaded selects the bid from the worker with the lowest
	// current_load/max_capacity ratio.
	PolicyLeastLoaded Policy = "least_loaded"
)

// ParsePolicy converts a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyHighestScore, PolicyFastest, PolicyMostConfident, PolicyLeastLoaded:
		return Policy(s), nil
	case "":
		return PolicyHighestScore, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// String returns the string representation of the policy.
func (p Policy) String() string { return string(p) }

// loadRatio returns a bid's load ratio, treating zero capacity as fully
// loaded so broken capacity figures never win least_loaded rounds.
func loadRatio(b *registry.Bid) float64 {
	if b.MaxCapacity <= 0 {
		return 1.0
	}
	return float64(b.CurrentLoad) / float64(b.MaxCapacity)
}

// better reports whether candidate beats incumbent under the policy.
// Equal bids do not beat the incumbent, which preserves first-seen order,
// except that a firm bid always beats an equal soft bid.
func (p Policy) better(candidate, incumbent *registry.Bid) bool {
	var c, i float64
	switch p {
	case PolicyFastest:
		c, i = -candidate.EstimatedDuration.Seconds(), -incumbent.EstimatedDuration.Seconds()
	case PolicyMostConfident:
		c, i = candidate.Confidence, incumbent.Confidence
	case PolicyLeastLoaded:
		c, i = -loadRatio(candidate), -loadRatio(incumbent)
	default:
		c, i = candidate.Score, incumbent.Score
	}
	if c != i {
		return c > i
	}
	return incumbent.Soft() && !candidate.Soft()
}

// selectWinner returns the index of the winning bid under the policy,
// or -1 when the slice is empty. Deterministic for a given bid order:
// ties keep the earlier bid.
func selectWinner(bids []registry.Bid, p Policy) int {
	winner := -1
	for i := range bids {
		if winner < 0 || p.better(&bids[i], &bids[winner]) {
			winner = i
		}
	}
	return winner
}
