package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/resilience"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// HealthState is the proxy's probed condition.
type HealthState string

const (
	StateHealthy       HealthState = "HEALTHY"
	StateUnhealthy     HealthState = "UNHEALTHY"
	StateContainerDown HealthState = "CONTAINER_DOWN"
	StateServiceDown   HealthState = "SERVICE_DOWN"
	StateUnknown       HealthState = "UNKNOWN"
)

// HealthSnapshot is the lifecycle manager's current view of the proxy.
type HealthSnapshot struct {
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastTransition      time.Time   `json:"last_transition"`
	AutoRecovery        bool        `json:"auto_recovery"`
}

// Lifecycle probes the proxy and escalates recovery when it fails.
type Lifecycle struct {
	admin         AdminAPI
	runtime       ContainerRuntime
	containerName string
	cfg           config.RecoveryConfig
	interval      time.Duration
	probeTimeout  time.Duration
	breaker       *resilience.Breaker
	bus           *events.Bus
	metrics       *metrics.Collector
	history       *RecoveryHistory
	logger        *slog.Logger

	// actionTimeout bounds one escalation action round trip.
	actionTimeout time.Duration

	mu           sync.Mutex
	snapshot     HealthSnapshot
	recovering   bool
	autoRecovery bool

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLifecycle wires the lifecycle manager. collector may be nil when
// metrics are disabled.
func NewLifecycle(admin AdminAPI, runtime ContainerRuntime, containerName string, proxyCfg *config.ProxyConfig, recoveryCfg *config.RecoveryConfig, bus *events.Bus, collector *metrics.Collector) *Lifecycle {
	l := &Lifecycle{
		admin:         admin,
		runtime:       runtime,
		containerName: containerName,
		cfg:           *recoveryCfg,
		interval:      proxyCfg.HealthInterval,
		probeTimeout:  proxyCfg.HealthTimeout,
		bus:           bus,
		metrics:       collector,
		history:       &RecoveryHistory{},
		logger:        slog.Default().With("component", "proxy.lifecycle"),
		autoRecovery:  true,
		snapshot:      HealthSnapshot{State: StateUnknown, AutoRecovery: true},
		sleep:         sleepCtx,
		actionTimeout: 30 * time.Second,
	}

	l.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "proxy-lifecycle",
		FailureThreshold: recoveryCfg.FailureThreshold,
		ResetTimeout:     proxyCfg.HealthInterval * 2,
		HealthCheck: func(ctx context.Context) bool {
			return admin.Healthy(ctx) == nil
		},
		OnStateChange: func(name string, from, to resilience.State) {
			if collector != nil {
				collector.BreakerState.WithLabelValues(name).Set(float64(to))
			}
			if to == resilience.StateOpen {
				l.TriggerRecovery("breaker opened after consecutive probe failures")
			}
		},
	})
	return l
}

// Breaker exposes the lifecycle breaker for status reporting.
func (l *Lifecycle) Breaker() *resilience.Breaker {
	return l.breaker
}

// History exposes the recovery history ring.
func (l *Lifecycle) History() *RecoveryHistory {
	return l.history
}

// Snapshot returns the current health view.
func (l *Lifecycle) Snapshot() HealthSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.snapshot
	snap.AutoRecovery = l.autoRecovery
	return snap
}

// Run drives the periodic health probe until the context is cancelled.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeOnce runs one probe cycle through the breaker.
func (l *Lifecycle) probeOnce(ctx context.Context) {
	err := l.breaker.Execute(ctx, "probe", func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, l.probeTimeout, l.Probe)
	})
	if err != nil && !errdefs.IsKind(err, errdefs.KindCircuitOpen) {
		l.logger.Debug("health probe failed", "error", err)
	}
}

// Probe performs one health assessment and updates the snapshot.
//
// Classification: container not running → CONTAINER_DOWN; admin endpoint
// healthy → HEALTHY; admin unreachable with no proxy process in the
// container → SERVICE_DOWN; otherwise UNHEALTHY. Runtime errors leave the
// state UNKNOWN.
func (l *Lifecycle) Probe(ctx context.Context) error {
	running, err := l.runtime.IsRunning(ctx, l.containerName)
	if err != nil {
		l.setState(StateUnknown, true)
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "container inspect failed", err)
	}
	if !running {
		l.setState(StateContainerDown, true)
		return errdefs.Newf(errdefs.KindProxyUnhealthy, "container %s is not running", l.containerName)
	}

	if err := l.admin.Healthy(ctx); err == nil {
		l.setState(StateHealthy, false)
		return nil
	}

	// Admin endpoint down. Fall back to a process count inside the
	// container to tell a hung proxy from a dead service.
	if code, _, execErr := l.runtime.Exec(ctx, l.containerName, []string{"pgrep", "-c", "traefik"}); execErr == nil && code != 0 {
		l.setState(StateServiceDown, true)
		return errdefs.New(errdefs.KindProxyUnhealthy, "proxy process not found in container")
	}

	l.setState(StateUnhealthy, true)
	return errdefs.New(errdefs.KindProxyUnhealthy, "admin endpoint unreachable")
}

// setState updates the snapshot, tracking consecutive failures and emitting
// a health-changed event on transition.
func (l *Lifecycle) setState(state HealthState, failure bool) {
	l.mu.Lock()
	prev := l.snapshot.State
	if failure {
		l.snapshot.ConsecutiveFailures++
	} else {
		l.snapshot.ConsecutiveFailures = 0
	}
	changed := prev != state
	if changed {
		l.snapshot.State = state
		l.snapshot.LastTransition = time.Now()
	}
	l.mu.Unlock()

	if changed {
		l.bus.Publish(events.Event{
			Type:    events.EventProxyHealthChanged,
			Message: fmt.Sprintf("proxy health %s -> %s", prev, state),
			Details: map[string]any{"from": string(prev), "to": string(state)},
		})
	}
}

// TriggerRecovery starts a recovery sequence unless one is already running
// or auto-recovery is disabled. Concurrent triggers are coalesced into the
// running sequence.
func (l *Lifecycle) TriggerRecovery(reason string) {
	l.mu.Lock()
	if l.recovering || !l.autoRecovery {
		l.mu.Unlock()
		return
	}
	l.recovering = true
	l.mu.Unlock()

	l.logger.Warn("starting proxy recovery", "reason", reason)
	go l.runRecovery(context.Background())
}

// EnableAutoRecovery re-arms automatic recovery after MAX_ATTEMPTS_REACHED.
// Operator action.
func (l *Lifecycle) EnableAutoRecovery() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoRecovery = true
}

// runRecovery walks the escalation ladder. Exactly one instance runs at a
// time, guarded by the recovering flag.
func (l *Lifecycle) runRecovery(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.recovering = false
		l.mu.Unlock()
	}()

	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		action, err := l.escalate(ctx, attempt)

		rec := RecoveryRecord{
			Timestamp: time.Now(),
			Attempt:   attempt,
			Action:    action,
		}

		if err == nil {
			// Grace period, then confirm with a fresh probe.
			l.sleep(ctx, l.cfg.GracePeriod)
			err = l.Probe(ctx)
		}

		if err == nil {
			rec.Success = true
			rec.Message = "proxy healthy after " + string(action)
			l.history.Append(rec)
			l.recordAttempt(action, true)
			l.breaker.Reset()
			l.logger.Info("proxy recovery succeeded", "attempt", attempt, "action", string(action))
			l.bus.Publish(events.Event{
				Type:    events.EventRecoverySucceeded,
				Message: rec.Message,
				Details: map[string]any{"attempt": attempt, "action": string(action)},
			})
			return
		}

		rec.Message = err.Error()
		l.history.Append(rec)
		l.recordAttempt(action, false)
		l.logger.Warn("recovery attempt failed",
			"attempt", attempt,
			"action", string(action),
			"error", err,
		)
		l.bus.Publish(events.Event{
			Type:    events.EventRecoveryAttempt,
			Message: fmt.Sprintf("recovery attempt %d (%s) failed", attempt, action),
			Details: map[string]any{"attempt": attempt, "action": string(action), "error": err.Error()},
		})

		if attempt < l.cfg.MaxAttempts {
			if l.sleep(ctx, recoveryBackoff(l.cfg.BackoffBase, l.cfg.BackoffCap, attempt)) != nil {
				return
			}
		}
	}

	// Budget exhausted: hands off until an operator re-enables.
	l.mu.Lock()
	l.autoRecovery = false
	l.mu.Unlock()

	l.logger.Error("proxy recovery exhausted, automatic recovery disabled",
		"max_attempts", l.cfg.MaxAttempts,
	)
	l.bus.Publish(events.Event{
		Type:    events.EventMaxAttemptsReached,
		Message: fmt.Sprintf("proxy recovery gave up after %d attempts", l.cfg.MaxAttempts),
	})
}

// escalate picks and executes the ladder rung for this attempt:
// a stopped container is started; a running one gets a reload first, an
// in-container service restart next, and a container restart after that.
// Every container-runtime action runs under a deadline with one retry.
func (l *Lifecycle) escalate(ctx context.Context, attempt int) (RecoveryAction, error) {
	running, err := l.runtime.IsRunning(ctx, l.containerName)
	if err != nil {
		return ActionContainerStart, errdefs.Wrap(errdefs.KindProxyUnhealthy, "container inspect failed", err)
	}

	if !running {
		return ActionContainerStart, l.runAction(ctx, "container-start", func(ctx context.Context) error {
			return l.runtime.Start(ctx, l.containerName)
		})
	}

	switch {
	case attempt <= 1:
		if err := l.admin.Reload(ctx); err == nil {
			return ActionServiceRestart, nil
		}
		// Reload signal unavailable; restart the service inside the container.
		err := l.runAction(ctx, "service-restart", func(ctx context.Context) error {
			code, out, execErr := l.runtime.Exec(ctx, l.containerName, []string{"kill", "-HUP", "1"})
			if execErr != nil {
				return errdefs.Wrap(errdefs.KindProxyUnhealthy, "service restart exec failed", execErr)
			}
			if code != 0 {
				return errdefs.Newf(errdefs.KindProxyUnhealthy, "service restart exited %d: %s", code, out)
			}
			return nil
		})
		return ActionServiceRestart, err
	default:
		return ActionContainerRestart, l.runAction(ctx, "container-restart", func(ctx context.Context) error {
			return l.runtime.Restart(ctx, l.containerName)
		})
	}
}

// runAction executes one escalation action under the action deadline, with
// a single retry for transient runtime failures.
func (l *Lifecycle) runAction(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, op, resilience.RetryConfig{
		Max:  1,
		Base: time.Second,
		Cap:  5 * time.Second,
	}, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, l.actionTimeout, fn)
	})
}

// recordAttempt counts one escalator action outcome.
func (l *Lifecycle) recordAttempt(action RecoveryAction, success bool) {
	if l.metrics == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	l.metrics.RecoveryAttempts.WithLabelValues(string(action), outcome).Inc()
}

// recoveryBackoff is min(cap, base * 2^(attempt-1)) with 0.5-1.0 jitter.
func recoveryBackoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
