package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/proxy"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// Emergency thresholds: any server past either schedules an immediate
// out-of-band pass with the raised adaptation rate.
const (
	emergencyQueueDepth  = 5
	emergencyUtilization = 0.8
)

// Optimizer drives the periodic weight-optimization loop.
type Optimizer struct {
	admin    proxy.AdminAPI
	state    *State
	strategy Strategy
	cfg      config.OptimizerConfig
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	// emergencyCh coalesces emergency triggers; buffer of one.
	emergencyCh chan struct{}
}

// New creates an optimizer. The state store may be nil (history and
// predictive patterns are then disabled), as may the metrics collector.
func New(admin proxy.AdminAPI, state *State, cfg config.OptimizerConfig, bus *events.Bus, collector *metrics.Collector) (*Optimizer, error) {
	var strategy Strategy
	switch cfg.Algorithm {
	case "adaptive":
		strategy = NewAdaptiveStrategy()
	case "predictive":
		strategy = NewPredictiveStrategy(state)
	case "balanced":
		strategy = NewBalancedStrategy()
	default:
		return nil, fmt.Errorf("unknown optimizer algorithm %q", cfg.Algorithm)
	}

	return &Optimizer{
		admin:       admin,
		state:       state,
		strategy:    strategy,
		cfg:         cfg,
		bus:         bus,
		metrics:     collector,
		logger:      slog.Default().With("component", "optimizer", "algorithm", cfg.Algorithm),
		emergencyCh: make(chan struct{}, 1),
	}, nil
}

// recordPass counts one optimization pass outcome.
func (o *Optimizer) recordPass(outcome string) {
	if o.metrics != nil {
		o.metrics.OptimizerPasses.WithLabelValues(outcome).Inc()
	}
}

// Strategy returns the active strategy name.
func (o *Optimizer) Strategy() string {
	return o.strategy.Name()
}

// Run drives the optimization loop until the context is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Optimize(ctx, false); err != nil {
				o.logger.Warn("optimization pass failed", "error", err)
			}
		case <-o.emergencyCh:
			o.logger.Info("running emergency optimization pass")
			if _, err := o.Optimize(ctx, true); err != nil {
				o.logger.Warn("emergency pass failed", "error", err)
			}
		}
	}
}

// Optimize performs one pass: sample stats, propose changes, apply the
// significant ones in a single admin transaction. Returns the applied
// changes (nil when nothing crossed the delta threshold).
func (o *Optimizer) Optimize(ctx context.Context, emergency bool) ([]WeightChange, error) {
	stats, err := o.admin.Stats(ctx)
	if err != nil {
		o.recordPass("failure")
		return nil, err
	}

	o.recordSamples(ctx, stats)
	if !emergency && o.detectEmergency(stats) {
		// Note the condition now; the loop runs the fast pass right after
		// this one returns.
		select {
		case o.emergencyCh <- struct{}{}:
		default:
		}
	}

	alpha := o.cfg.AdaptationRate
	if emergency {
		alpha = o.cfg.EmergencyAdaptationRate
	}

	proposed := o.strategy.Propose(stats, alpha)

	// Suppress noise: only changes of at least the configured delta apply.
	var significant []WeightChange
	for _, c := range proposed {
		if c.Delta() >= o.cfg.MinWeightDelta {
			significant = append(significant, c)
		}
	}
	if len(significant) == 0 {
		o.recordPass("noop")
		return nil, nil
	}

	if err := o.applyTransactional(ctx, significant); err != nil {
		o.appendHistory(ctx, significant, emergency, false)
		o.recordPass("failure")
		return nil, err
	}
	o.appendHistory(ctx, significant, emergency, true)
	o.recordPass("applied")
	if o.metrics != nil {
		o.metrics.WeightChanges.Add(float64(len(significant)))
	}

	o.logger.Info("applied weight changes",
		"count", len(significant),
		"emergency", emergency,
	)
	o.bus.Publish(events.Event{
		Type:    events.EventOptimizationApplied,
		Message: fmt.Sprintf("applied %d weight changes (%s)", len(significant), o.strategy.Name()),
		Details: map[string]any{
			"count":     len(significant),
			"algorithm": o.strategy.Name(),
			"emergency": emergency,
		},
	})
	return significant, nil
}

// applyTransactional stages all changes in one admin transaction and
// commits; any staging failure aborts so no partial weight set is applied.
func (o *Optimizer) applyTransactional(ctx context.Context, changes []WeightChange) error {
	txn, err := o.admin.BeginTransaction(ctx)
	if err != nil {
		return err
	}

	for _, c := range changes {
		if err := o.admin.UpdateServerWeight(ctx, txn, c.Backend, c.Server, c.ProposedWeight); err != nil {
			if abortErr := o.admin.AbortTransaction(ctx, txn); abortErr != nil {
				o.logger.Error("transaction abort failed", "txn", txn, "error", abortErr)
			}
			return fmt.Errorf("staging %s/%s: %w", c.Backend, c.Server, err)
		}
	}

	return o.admin.CommitTransaction(ctx, txn)
}

// detectEmergency reports whether any server is past the queue or
// utilization thresholds.
func (o *Optimizer) detectEmergency(stats []proxy.BackendStats) bool {
	for _, backend := range stats {
		for _, srv := range backend.Servers {
			if srv.QueueDepth > emergencyQueueDepth {
				return true
			}
			if srv.MaxConns > 0 && float64(srv.CurrentConns)/float64(srv.MaxConns) > emergencyUtilization {
				return true
			}
		}
	}
	return false
}

// recordSamples feeds the state store for the predictive strategy.
func (o *Optimizer) recordSamples(ctx context.Context, stats []proxy.BackendStats) {
	if o.state == nil {
		return
	}
	for _, backend := range stats {
		conns, queue := 0, 0
		for _, srv := range backend.Servers {
			conns += srv.CurrentConns
			queue += srv.QueueDepth
		}
		if err := o.state.RecordSample(ctx, TrafficSample{
			Backend:     backend.Name,
			Connections: conns,
			QueueDepth:  queue,
		}); err != nil {
			o.logger.Debug("cannot record sample", "backend", backend.Name, "error", err)
		}
	}
}

// appendHistory records the pass outcome; best effort.
func (o *Optimizer) appendHistory(ctx context.Context, changes []WeightChange, emergency, applied bool) {
	if o.state == nil {
		return
	}
	if err := o.state.AppendHistory(ctx, OptimizationRecord{
		Algorithm: o.strategy.Name(),
		Emergency: emergency,
		Applied:   applied,
		Changes:   changes,
	}); err != nil {
		o.logger.Debug("cannot append optimization history", "error", err)
	}
}
