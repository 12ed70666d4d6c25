package optimizer

import (
	"context"
	"log/slog"
	"time"

	"cloudlunacy/frontdoor/pkg/proxy"
)

// trendSamples is how many recent samples feed the regression.
const trendSamples = 20

// headroomBias is how strongly a rising trend shifts weight toward servers
// with spare connection capacity.
const headroomBias = 0.35

// PredictiveStrategy extends adaptive scoring with time-of-week traffic
// patterns and a linear-regression trend estimate. Backends whose load is
// trending up (or whose pattern cell predicts more load than currently
// observed) bias weight toward servers with more connection headroom.
type PredictiveStrategy struct {
	adaptive *AdaptiveStrategy
	state    *State
	logger   *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewPredictiveStrategy creates the predictive strategy over a state store.
func NewPredictiveStrategy(state *State) *PredictiveStrategy {
	return &PredictiveStrategy{
		adaptive: NewAdaptiveStrategy(),
		state:    state,
		logger:   slog.Default().With("component", "optimizer.predictive"),
		now:      time.Now,
	}
}

// Name returns the strategy name.
func (s *PredictiveStrategy) Name() string {
	return "predictive"
}

// Propose starts from the adaptive proposal, then reshapes rising backends
// toward headroom.
func (s *PredictiveStrategy) Propose(stats []proxy.BackendStats, alpha float64) []WeightChange {
	base := s.adaptive.Propose(stats, alpha)
	if s.state == nil {
		return base
	}

	rising := make(map[string]bool, len(stats))
	for _, backend := range stats {
		rising[backend.Name] = s.trendingUp(backend)
	}

	// Index stats for headroom lookups.
	servers := make(map[string]map[string]proxy.ServerStats)
	for _, backend := range stats {
		m := make(map[string]proxy.ServerStats, len(backend.Servers))
		for _, srv := range backend.Servers {
			m[srv.Name] = srv
		}
		servers[backend.Name] = m
	}

	for i := range base {
		change := &base[i]
		if !rising[change.Backend] {
			continue
		}
		srv, ok := servers[change.Backend][change.Server]
		if !ok || !srv.Up || srv.MaxConns <= 0 {
			continue
		}

		headroom := 1 - float64(srv.CurrentConns)/float64(srv.MaxConns)
		if headroom < 0 {
			headroom = 0
		}

		// Blend toward a headroom-proportional target: full headroom pulls
		// the weight up, saturated servers get pulled down.
		target := float64(change.ProposedWeight) * (1 + headroomBias*(2*headroom-1))
		change.ProposedWeight = clampWeight(target)
	}
	return base
}

// trendingUp reports whether a backend's load is rising, combining the
// regression slope over recent samples with the time-of-week pattern.
func (s *PredictiveStrategy) trendingUp(backend proxy.BackendStats) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	samples, err := s.state.RecentSamples(ctx, backend.Name, trendSamples)
	if err != nil {
		s.logger.Debug("cannot read samples", "backend", backend.Name, "error", err)
		return false
	}
	if len(samples) >= 3 {
		if slope := regressionSlope(samples); slope > 0.1 {
			return true
		}
	}

	// Pattern check: does the historical cell for this hour expect more
	// connections than we currently carry?
	now := s.now()
	expected, ok, err := s.state.PatternConns(ctx, backend.Name, int(now.Weekday()), now.Hour())
	if err != nil || !ok {
		return false
	}
	current := 0
	for _, srv := range backend.Servers {
		current += srv.CurrentConns
	}
	return expected > float64(current)*1.2
}

// regressionSlope fits connections over time (in minutes) by least squares
// and returns the slope in connections per minute.
func regressionSlope(samples []TrafficSample) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}

	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, sm := range samples {
		x := sm.Timestamp.Sub(t0).Minutes()
		y := float64(sm.Connections)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
