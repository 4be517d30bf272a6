package bidding

import (
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/registry"
)

// defaultHistoryLimit bounds the number of retained bid rounds.
const defaultHistoryLimit = 200

// Round records one completed bid round: every bid received plus the
// outcome. Rounds are immutable once recorded.
type Round struct {
	Spec     registry.WorkSpec
	Bids     []registry.Bid
	WinnerID string // Empty when the round produced no winner
	Reason   string // Empty on success
	At       time.Time
}

// History is a bounded, thread-safe log of bid rounds used for
// statistics. The oldest rounds are dropped once the limit is reached.
type History struct {
	mu     sync.Mutex
	rounds []Round
	limit  int
}

// NewHistory creates a History retaining at most limit rounds.
// A non-positive limit uses the default.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit}
}

// Add appends a round, evicting the oldest if at capacity.
func (h *History) Add(r Round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rounds) >= h.limit {
		copy(h.rounds, h.rounds[1:])
		h.rounds = h.rounds[:len(h.rounds)-1]
	}
	h.rounds = append(h.rounds, r)
}

// Recent returns up to n most recent rounds, newest last.
func (h *History) Recent(n int) []Round {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.rounds) {
		n = len(h.rounds)
	}
	out := make([]Round, n)
	copy(out, h.rounds[len(h.rounds)-n:])
	return out
}

// Len returns the number of retained rounds.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// CapabilityStats aggregates the retained rounds for one capability.
type CapabilityStats struct {
	Rounds          int            // Rounds held for this capability
	BidsReceived    int            // Total bids across those rounds
	WinsByWorker    map[string]int // Winner id -> win count
	AvgWinningScore float64        // Mean score of winning bids; 0 when no wins
}

// Stats computes rolling statistics per capability over the retained
// rounds.
func (h *History) Stats() map[string]CapabilityStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]CapabilityStats)
	winScores := make(map[string]float64)
	wins := make(map[string]int)

	for _, r := range h.rounds {
		capName := r.Spec.Capability
		stats := out[capName]
		stats.Rounds++
		stats.BidsReceived += len(r.Bids)
		if stats.WinsByWorker == nil {
			stats.WinsByWorker = make(map[string]int)
		}
		if r.WinnerID != "" {
			stats.WinsByWorker[r.WinnerID]++
			for i := range r.Bids {
				if r.Bids[i].WorkerID == r.WinnerID {
					winScores[capName] += r.Bids[i].Score
					wins[capName]++
					break
				}
			}
		}
		out[capName] = stats
	}

	for capName, stats := range out {
		if wins[capName] > 0 {
			stats.AvgWinningScore = winScores[capName] / float64(wins[capName])
			out[capName] = stats
		}
	}
	return out
}
