package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"cloudlunacy/frontdoor/pkg/agents"
	"cloudlunacy/frontdoor/pkg/certs"
	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/dynamic"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
	"cloudlunacy/frontdoor/pkg/probe"
	"cloudlunacy/frontdoor/pkg/proxy"
	"cloudlunacy/frontdoor/pkg/resilience"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// mongoPort is the backend port all MongoDB routes point at.
const mongoPort = 27017

// Boundary validation patterns.
var (
	agentIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subdomainPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	ipPattern        = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	urlPattern       = regexp.MustCompile(`^https?://[a-zA-Z0-9.-]+(:\d+)?(/.*)?$`)
)

// Classifier is the probe surface the orchestrator consumes.
type Classifier interface {
	Classify(ctx context.Context, host string, port int) probe.Result
}

// CertManager is the certificate surface the orchestrator consumes.
type CertManager interface {
	IssueAgent(ctx context.Context, agentID, targetIP string) error
	RenewScan(ctx context.Context, opts certs.RenewScanOptions) (*certs.RenewScanResult, error)
	Revoke(ctx context.Context, agentID string) error
	SyncToProxy(ctx context.Context) error
	Validate(agentID string) *certs.ValidationResult
	Breaker() *resilience.Breaker
}

// Orchestrator wires the subsystems and owns the mutation flows.
type Orchestrator struct {
	cfg      *config.Config
	locks    *locking.Manager
	store    *dynamic.Store
	registry *agents.Registry
	certs    CertManager
	prober   Classifier
	admin    proxy.AdminAPI
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *slog.Logger

	// writeMu is the single-writer semaphore for the merged document.
	writeMu sync.Mutex

	started time.Time
}

// New wires an orchestrator. collector may be nil when metrics are
// disabled.
func New(cfg *config.Config, locks *locking.Manager, store *dynamic.Store, registry *agents.Registry, certMgr CertManager, prober Classifier, admin proxy.AdminAPI, bus *events.Bus, collector *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		locks:    locks,
		store:    store,
		registry: registry,
		certs:    certMgr,
		prober:   prober,
		admin:    admin,
		bus:      bus,
		metrics:  collector,
		logger:   slog.Default().With("component", "orchestrator"),
		started:  time.Now(),
	}
}

// RegisterResult is the outcome of an agent registration.
type RegisterResult struct {
	AgentID        string               `json:"agent_id"`
	MongoURL       string               `json:"mongodb_url"`
	TLS            probe.Classification `json:"tls_classification"`
	TLSPassthrough bool                 `json:"tls_passthrough"`
}

// RegisterAgent provisions everything a new agent needs: a TLS posture
// probe, a server certificate, an L4 SNI route, the rebuilt merged
// document, and a proxy reload.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agentID, targetIP string) (*RegisterResult, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid agent id %q", agentID)
	}
	if !ipPattern.MatchString(targetIP) {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid target IP %q", targetIP)
	}

	var result *RegisterResult
	err := o.locks.WithLock(ctx, "agent:"+agentID, 0, func() error {
		probeResult := o.prober.Classify(ctx, targetIP, mongoPort)
		passthrough := probeResult.Classification.RequiresPassthrough()

		if err := o.certs.IssueAgent(ctx, agentID, targetIP); err != nil {
			return err
		}

		frag, err := o.store.LoadFragment(agentID)
		if err != nil {
			return err
		}
		frag.SetMongoRoute(agentID, o.cfg.Domains.Mongo, targetIP, mongoPort, passthrough)
		if err := o.store.SaveFragment(ctx, agentID, frag); err != nil {
			return err
		}

		if err := o.rebuildAndReload(ctx); err != nil {
			return err
		}

		tlsPref := agents.TLSRequired
		if probeResult.Classification == probe.ClassPlaintext {
			tlsPref = agents.TLSForbidden
		} else if probeResult.Classification == probe.ClassUnreachable {
			tlsPref = agents.TLSUnknown
		}
		if err := o.registry.Upsert(ctx, agents.Agent{
			ID:         agentID,
			TargetIP:   targetIP,
			TargetPort: mongoPort,
			TLS:        tlsPref,
		}); err != nil {
			return err
		}

		result = &RegisterResult{
			AgentID:        agentID,
			MongoURL:       fmt.Sprintf("mongodb://%s.%s:%d", agentID, o.cfg.Domains.Mongo, mongoPort),
			TLS:            probeResult.Classification,
			TLSPassthrough: passthrough,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.bus.Publish(events.Event{
		Type:    events.EventRouteAdded,
		AgentID: agentID,
		Message: fmt.Sprintf("registered agent %s -> %s:%d", agentID, targetIP, mongoPort),
		Details: map[string]any{"tls_passthrough": result.TLSPassthrough},
	})
	o.logger.Info("agent registered",
		"agent_id", agentID,
		"target_ip", targetIP,
		"classification", string(result.TLS),
	)
	return result, nil
}

// RemoveAgent tears down an agent: certificate material, fragment, merged
// document, and reload.
func (o *Orchestrator) RemoveAgent(ctx context.Context, agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid agent id %q", agentID)
	}

	err := o.locks.WithLock(ctx, "agent:"+agentID, 0, func() error {
		if err := o.certs.Revoke(ctx, agentID); err != nil {
			return err
		}
		if err := o.store.DeleteFragment(ctx, agentID); err != nil {
			return err
		}
		if err := o.rebuildAndReload(ctx); err != nil {
			return err
		}
		return o.registry.Delete(ctx, agentID)
	})
	if err != nil {
		return err
	}

	o.bus.Publish(events.Event{
		Type:    events.EventRouteRemoved,
		AgentID: agentID,
		Message: fmt.Sprintf("removed agent %s", agentID),
	})
	o.logger.Info("agent removed", "agent_id", agentID)
	return nil
}

// AddSubdomain publishes a MongoDB SNI route without certificate issuance,
// for backends reached under a caller-chosen subdomain. The owning agent
// defaults to the subdomain itself.
func (o *Orchestrator) AddSubdomain(ctx context.Context, subdomain, targetIP, agentID string) error {
	if !subdomainPattern.MatchString(subdomain) {
		return errdefs.Newf(errdefs.KindValidation, "invalid subdomain %q", subdomain)
	}
	if !ipPattern.MatchString(targetIP) {
		return errdefs.Newf(errdefs.KindValidation, "invalid target IP %q", targetIP)
	}
	if agentID == "" {
		agentID = subdomain
	}
	if !agentIDPattern.MatchString(agentID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid agent id %q", agentID)
	}

	err := o.locks.WithLock(ctx, "agent:"+agentID, 0, func() error {
		probeResult := o.prober.Classify(ctx, targetIP, mongoPort)

		frag, err := o.store.LoadFragment(agentID)
		if err != nil {
			return err
		}
		frag.SetMongoRoute(subdomain, o.cfg.Domains.Mongo, targetIP, mongoPort,
			probeResult.Classification.RequiresPassthrough())
		if err := o.store.SaveFragment(ctx, agentID, frag); err != nil {
			return err
		}
		return o.rebuildAndReload(ctx)
	})
	if err != nil {
		return err
	}

	o.bus.Publish(events.Event{
		Type:    events.EventRouteAdded,
		AgentID: agentID,
		Message: fmt.Sprintf("added mongodb route %s.%s", subdomain, o.cfg.Domains.Mongo),
	})
	return nil
}

// AddApp publishes an HTTP route for <subdomain>.<app-domain> pointing at
// targetURL, with the host-rewrite middleware attached.
func (o *Orchestrator) AddApp(ctx context.Context, subdomain, targetURL, agentID string) error {
	if !subdomainPattern.MatchString(subdomain) {
		return errdefs.Newf(errdefs.KindValidation, "invalid subdomain %q", subdomain)
	}
	if !urlPattern.MatchString(targetURL) {
		return errdefs.Newf(errdefs.KindValidation, "invalid target URL %q", targetURL)
	}
	if agentID == "" {
		agentID = subdomain
	}
	if !agentIDPattern.MatchString(agentID) {
		return errdefs.Newf(errdefs.KindValidation, "invalid agent id %q", agentID)
	}

	err := o.locks.WithLock(ctx, "agent:"+agentID, 0, func() error {
		frag, err := o.store.LoadFragment(agentID)
		if err != nil {
			return err
		}
		if err := frag.SetAppRoute(agentID, subdomain, o.cfg.Domains.App, targetURL); err != nil {
			return errdefs.Wrap(errdefs.KindValidation, "cannot build app route", err)
		}
		if err := o.store.SaveFragment(ctx, agentID, frag); err != nil {
			return err
		}
		return o.rebuildAndReload(ctx)
	})
	if err != nil {
		return err
	}

	o.bus.Publish(events.Event{
		Type:    events.EventRouteAdded,
		AgentID: agentID,
		Message: fmt.Sprintf("added app route %s.%s -> %s", subdomain, o.cfg.Domains.App, targetURL),
	})
	return nil
}

// RenewCertificates runs a renewal scan, re-syncs the proxy copies, and
// reloads when anything was renewed.
func (o *Orchestrator) RenewCertificates(ctx context.Context, force bool) (*certs.RenewScanResult, error) {
	result, err := o.certs.RenewScan(ctx, certs.RenewScanOptions{ForceAll: force})
	if err != nil {
		return nil, err
	}

	if result.Renewed > 0 {
		if err := o.certs.SyncToProxy(ctx); err != nil {
			return result, err
		}
		o.reload(ctx)
	}
	return result, nil
}

// TestConnection probes a registered agent's backend and returns the
// classification with operator-facing recommendations.
func (o *Orchestrator) TestConnection(ctx context.Context, agentID string) (*probe.Result, []string, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, nil, errdefs.Newf(errdefs.KindValidation, "invalid agent id %q", agentID)
	}

	agent, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if agent == nil {
		return nil, nil, errdefs.Newf(errdefs.KindValidation, "unknown agent %q", agentID)
	}

	result := o.prober.Classify(ctx, agent.TargetIP, agent.TargetPort)

	var recommendations []string
	switch result.Classification {
	case probe.ClassUnreachable:
		recommendations = append(recommendations,
			fmt.Sprintf("backend %s:%d is unreachable; check the agent host and firewall", agent.TargetIP, agent.TargetPort))
	case probe.ClassPlaintext:
		recommendations = append(recommendations,
			"backend accepts plaintext; the proxy terminates TLS with the agent certificate")
	case probe.ClassTLSRequired:
		recommendations = append(recommendations,
			"backend requires TLS; the route uses SNI passthrough")
	case probe.ClassAmbiguous:
		recommendations = append(recommendations,
			"backend posture is ambiguous; SNI passthrough is used as the safe default",
			"verify the MongoDB tls settings on the agent host")
	}
	return &result, recommendations, nil
}

// Document returns the current merged dynamic document.
func (o *Orchestrator) Document() (*dynamic.Document, error) {
	return o.store.LoadDocument()
}

// RepairDocument reconciles the on-disk document after an out-of-band
// change: corrupt bytes are quarantined by the store's read path, and the
// document is rebuilt from the fragments, which remain the source of truth.
// Wired to the dynamic-config watcher.
func (o *Orchestrator) RepairDocument(ctx context.Context) {
	if _, err := o.store.LoadDocument(); err != nil {
		o.logger.Error("cannot load dynamic document for repair", "error", err)
		return
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if _, err := o.store.Rebuild(ctx); err != nil {
		o.logger.Error("rebuild after external change failed", "error", err)
	}
}

// Status is the operator-facing status summary.
type Status struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	AppDomain     string            `json:"app_domain"`
	MongoDomain   string            `json:"mongo_domain"`
	AgentCount    int               `json:"agent_count"`
	Breakers      map[string]string `json:"breakers"`
}

// Status reports uptime, domain settings, and breaker states.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	list, err := o.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		UptimeSeconds: int64(time.Since(o.started).Seconds()),
		AppDomain:     o.cfg.Domains.App,
		MongoDomain:   o.cfg.Domains.Mongo,
		AgentCount:    len(list),
		Breakers: map[string]string{
			"certificates": o.certs.Breaker().State().String(),
		},
	}, nil
}

// rebuildAndReload rebuilds the merged document under the writer semaphore
// and signals the proxy. Reload failure is deliberately not an error: the
// new document is the desired steady state either way.
func (o *Orchestrator) rebuildAndReload(ctx context.Context) error {
	o.writeMu.Lock()
	doc, err := o.store.Rebuild(ctx)
	if err != nil {
		o.writeMu.Unlock()
		return err
	}
	o.writeMu.Unlock()

	o.trackRoutes(doc)
	o.reload(ctx)
	return nil
}

// trackRoutes updates the active-route gauges from a rebuilt document. The
// catchall is scaffolding, not a published route.
func (o *Orchestrator) trackRoutes(doc *dynamic.Document) {
	if o.metrics == nil || doc == nil {
		return
	}
	mongo := len(doc.TCP.Routers)
	if doc.HasCatchall() {
		mongo--
	}
	o.metrics.RoutesActive.WithLabelValues("mongodb").Set(float64(mongo))
	o.metrics.RoutesActive.WithLabelValues("app").Set(float64(len(doc.HTTP.Routers)))
}

// reload signals the proxy with the configured timeout; failures are logged
// and left to the lifecycle manager.
func (o *Orchestrator) reload(ctx context.Context) {
	err := resilience.WithTimeout(ctx, o.cfg.Proxy.ReloadTimeout, func(ctx context.Context) error {
		return o.admin.Reload(ctx)
	})
	if o.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		o.metrics.Reloads.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		o.logger.Warn("proxy reload failed; document left as desired state", "error", err)
	}
}
