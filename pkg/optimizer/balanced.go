package optimizer

import "cloudlunacy/frontdoor/pkg/proxy"

// BalancedStrategy converges all healthy servers toward uniform weight. It
// ignores performance signals entirely and is the conservative choice for
// homogeneous server pools.
type BalancedStrategy struct{}

// NewBalancedStrategy creates the balanced strategy.
func NewBalancedStrategy() *BalancedStrategy {
	return &BalancedStrategy{}
}

// Name returns the strategy name.
func (s *BalancedStrategy) Name() string {
	return "balanced"
}

// Propose moves every up server toward weight 100 and every down server to
// the minimum.
func (s *BalancedStrategy) Propose(stats []proxy.BackendStats, alpha float64) []WeightChange {
	var changes []WeightChange

	for _, backend := range stats {
		for _, srv := range backend.Servers {
			target := 100.0
			if !srv.Up {
				target = MinWeight
			}
			changes = append(changes, WeightChange{
				Backend:        backend.Name,
				Server:         srv.Name,
				CurrentWeight:  srv.Weight,
				ProposedWeight: clampWeight(ema(float64(srv.Weight), target, alpha)),
			})
		}
	}
	return changes
}
