package optimizer

import "cloudlunacy/frontdoor/pkg/proxy"

// AdaptiveStrategy scores each server on observed performance and moves its
// weight toward its share of the backend's total score.
type AdaptiveStrategy struct{}

// NewAdaptiveStrategy creates the adaptive strategy.
func NewAdaptiveStrategy() *AdaptiveStrategy {
	return &AdaptiveStrategy{}
}

// Name returns the strategy name.
func (s *AdaptiveStrategy) Name() string {
	return "adaptive"
}

// Propose computes per-server weight targets.
//
// A server's target is its composite-score share of the backend scaled to
// the backend's weight budget (N servers x 100), smoothed by EMA with the
// pass's adaptation rate. Servers marked down are pushed to the minimum
// weight regardless of score.
func (s *AdaptiveStrategy) Propose(stats []proxy.BackendStats, alpha float64) []WeightChange {
	var changes []WeightChange

	for _, backend := range stats {
		if len(backend.Servers) == 0 {
			continue
		}

		totalScore := 0.0
		perServer := make([]scores, len(backend.Servers))
		for i, srv := range backend.Servers {
			if !srv.Up {
				continue
			}
			perServer[i] = scoreServer(srv)
			totalScore += perServer[i].composite
		}

		budget := float64(len(backend.Servers)) * 100

		for i, srv := range backend.Servers {
			var target float64
			switch {
			case !srv.Up:
				target = MinWeight
			case totalScore <= 0:
				target = float64(srv.Weight)
			default:
				target = perServer[i].composite / totalScore * budget
			}

			proposed := clampWeight(ema(float64(srv.Weight), target, alpha))
			changes = append(changes, WeightChange{
				Backend:        backend.Name,
				Server:         srv.Name,
				CurrentWeight:  srv.Weight,
				ProposedWeight: proposed,
			})
		}
	}
	return changes
}
