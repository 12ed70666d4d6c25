package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

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

// fakeClassifier returns a scripted classification.
type fakeClassifier struct {
	class probe.Classification
}

func (f *fakeClassifier) Classify(ctx context.Context, host string, port int) probe.Result {
	return probe.Result{Classification: f.class}
}

// fakeCerts records certificate operations.
type fakeCerts struct {
	mu      sync.Mutex
	issued  []string
	revoked []string
	synced  int
	breaker *resilience.Breaker
}

func newFakeCerts() *fakeCerts {
	return &fakeCerts{breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "certificates"})}
}

func (f *fakeCerts) IssueAgent(ctx context.Context, agentID, targetIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, agentID)
	return nil
}

func (f *fakeCerts) RenewScan(ctx context.Context, opts certs.RenewScanOptions) (*certs.RenewScanResult, error) {
	renewed := 0
	if opts.ForceAll {
		renewed = len(f.issued)
	}
	return &certs.RenewScanResult{Checked: len(f.issued), Renewed: renewed, Skipped: len(f.issued) - renewed}, nil
}

func (f *fakeCerts) Revoke(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, agentID)
	return nil
}

func (f *fakeCerts) SyncToProxy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

func (f *fakeCerts) Validate(agentID string) *certs.ValidationResult {
	return &certs.ValidationResult{AgentID: agentID, Valid: true}
}

func (f *fakeCerts) Breaker() *resilience.Breaker { return f.breaker }

// fakeAdmin counts reloads and can be made to fail them.
type fakeAdmin struct {
	mu         sync.Mutex
	reloads    int
	failReload bool
}

func (f *fakeAdmin) Healthy(ctx context.Context) error { return nil }
func (f *fakeAdmin) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.failReload {
		return errors.New("reload refused")
	}
	return nil
}
func (f *fakeAdmin) Stats(ctx context.Context) ([]proxy.BackendStats, error)       { return nil, nil }
func (f *fakeAdmin) BeginTransaction(ctx context.Context) (string, error)          { return "t", nil }
func (f *fakeAdmin) UpdateServerWeight(ctx context.Context, a, b, c string, w int) error { return nil }
func (f *fakeAdmin) CommitTransaction(ctx context.Context, txnID string) error     { return nil }
func (f *fakeAdmin) AbortTransaction(ctx context.Context, txnID string) error      { return nil }

type testHarness struct {
	orch      *Orchestrator
	store     *dynamic.Store
	admin     *fakeAdmin
	certs     *fakeCerts
	class     *fakeClassifier
	collector *metrics.Collector
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.Domains.App = "apps.test.local"
	cfg.Domains.Mongo = "mongodb.test.local"

	paths, err := config.ResolvePaths(&config.PathsConfig{Base: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	locks, err := locking.NewManager(filepath.Join(paths.Base, "locks"))
	if err != nil {
		t.Fatal(err)
	}
	store := dynamic.NewStore(paths, locks, cfg.Domains.Mongo)
	registry, err := agents.Open(filepath.Join(paths.Base, "agents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { registry.Close() })

	h := &testHarness{
		store:     store,
		admin:     &fakeAdmin{},
		certs:     newFakeCerts(),
		class:     &fakeClassifier{class: probe.ClassTLSRequired},
		collector: metrics.NewCollector(&cfg.Telemetry.Metrics, nil),
	}
	h.orch = New(cfg, locks, store, registry, h.certs, h.class, h.admin, events.NewBus(), h.collector)
	return h
}

// gaugeValue reads a labeled gauge/counter value from the harness registry.
func (h *testHarness) gaugeValue(t *testing.T, name, labelValue string) float64 {
	t.Helper()
	families, err := h.collector.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == labelValue {
					if m.GetGauge() != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRegisterAgentTLSBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.orch.RegisterAgent(ctx, "alpha-01", "10.0.0.7")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if result.MongoURL != "mongodb://alpha-01.mongodb.test.local:27017" {
		t.Errorf("MongoURL = %q", result.MongoURL)
	}
	if !result.TLSPassthrough {
		t.Error("TLS backend must get passthrough")
	}

	doc, err := h.store.LoadDocument()
	if err != nil {
		t.Fatal(err)
	}
	router := doc.TCP.Routers["alpha-01-mongodb"]
	if router == nil {
		t.Fatal("router missing from merged document")
	}
	if router.Rule != "HostSNI(`alpha-01.mongodb.test.local`)" {
		t.Errorf("rule = %q", router.Rule)
	}
	if router.TLS == nil || !router.TLS.Passthrough {
		t.Error("router must have TLS passthrough")
	}
	svc := doc.TCP.Services["alpha-01-mongodb-service"]
	if svc == nil || len(svc.LoadBalancer.Servers) != 1 || svc.LoadBalancer.Servers[0].Address != "10.0.0.7:27017" {
		t.Errorf("service = %+v", svc)
	}
	if !doc.HasCatchall() {
		t.Error("catchall missing after registration")
	}

	h.certs.mu.Lock()
	issued := len(h.certs.issued)
	h.certs.mu.Unlock()
	if issued != 1 {
		t.Errorf("certificates issued = %d, want 1", issued)
	}

	h.admin.mu.Lock()
	reloads := h.admin.reloads
	h.admin.mu.Unlock()
	if reloads != 1 {
		t.Errorf("reloads = %d, want 1", reloads)
	}
}

func TestRegisterAgentPlaintextBackend(t *testing.T) {
	h := newHarness(t)
	h.class.class = probe.ClassPlaintext

	result, err := h.orch.RegisterAgent(context.Background(), "beta", "10.0.0.8")
	if err != nil {
		t.Fatal(err)
	}
	if result.TLSPassthrough {
		t.Error("plaintext backend must not get passthrough")
	}

	doc, _ := h.store.LoadDocument()
	if router := doc.TCP.Routers["beta-mongodb"]; router == nil || router.TLS != nil {
		t.Errorf("plaintext router should carry no TLS section: %+v", router)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "bad agent!", "10.0.0.7"); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Errorf("expected VALIDATION for bad agent id, got %v", err)
	}
	if _, err := h.orch.RegisterAgent(ctx, "good", "999.999.1.1.1"); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Errorf("expected VALIDATION for bad IP, got %v", err)
	}

	// No side effects on validation failures.
	h.certs.mu.Lock()
	defer h.certs.mu.Unlock()
	if len(h.certs.issued) != 0 {
		t.Error("certificate issued despite validation failure")
	}
}

func TestConcurrentRegistrationsSameAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.RegisterAgent(ctx, "gamma", "10.0.0.9")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("registration %d failed: %v", i, err)
		}
	}

	// The second serializes behind the lock; exactly one router remains.
	doc, _ := h.store.LoadDocument()
	count := 0
	for name := range doc.TCP.Routers {
		if name == "gamma-mongodb" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("router count = %d, want exactly 1", count)
	}
}

func TestRemoveAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.RemoveAgent(ctx, "alpha"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}

	doc, _ := h.store.LoadDocument()
	if doc.TCP.Routers["alpha-mongodb"] != nil {
		t.Error("router survives removal")
	}
	if !doc.HasCatchall() {
		t.Error("catchall must survive removal")
	}

	h.certs.mu.Lock()
	defer h.certs.mu.Unlock()
	if len(h.certs.revoked) != 1 || h.certs.revoked[0] != "alpha" {
		t.Errorf("revoked = %v", h.certs.revoked)
	}

	status, err := h.orch.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.AgentCount != 0 {
		t.Errorf("agent count = %d after removal", status.AgentCount)
	}
}

func TestFailedReloadDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.admin.failReload = true

	if _, err := h.orch.RegisterAgent(context.Background(), "alpha", "10.0.0.7"); err != nil {
		t.Fatalf("RegisterAgent must succeed despite reload failure: %v", err)
	}

	// The new document remains the desired state.
	doc, _ := h.store.LoadDocument()
	if doc.TCP.Routers["alpha-mongodb"] == nil {
		t.Error("document rolled back after reload failure")
	}
}

func TestAddApp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.AddApp(ctx, "dash", "http://10.0.0.7:8080", ""); err != nil {
		t.Fatalf("AddApp: %v", err)
	}

	doc, _ := h.store.LoadDocument()
	router := doc.HTTP.Routers["dash-app-dash"]
	if router == nil {
		t.Fatal("app router missing")
	}
	if router.Rule != "Host(`dash.apps.test.local`)" {
		t.Errorf("rule = %q", router.Rule)
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("merged document invalid: %v", err)
	}

	if err := h.orch.AddApp(ctx, "dash", "ftp://bad", ""); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Errorf("expected VALIDATION for bad URL, got %v", err)
	}
}

func TestAddSubdomainAmbiguousDefaultsToPassthrough(t *testing.T) {
	h := newHarness(t)
	h.class.class = probe.ClassAmbiguous

	if err := h.orch.AddSubdomain(context.Background(), "shard-1", "10.0.0.12", ""); err != nil {
		t.Fatal(err)
	}

	doc, _ := h.store.LoadDocument()
	router := doc.TCP.Routers["shard-1-mongodb"]
	if router == nil {
		t.Fatal("router missing")
	}
	if router.TLS == nil || !router.TLS.Passthrough {
		t.Error("ambiguous classification must default to passthrough")
	}
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}

	h.class.class = probe.ClassUnreachable
	result, recs, err := h.orch.TestConnection(ctx, "alpha")
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if result.Classification != probe.ClassUnreachable {
		t.Errorf("classification = %s", result.Classification)
	}
	if len(recs) == 0 {
		t.Error("expected recommendations")
	}

	if _, _, err := h.orch.TestConnection(ctx, "ghost"); !errdefs.IsKind(err, errdefs.KindValidation) {
		t.Errorf("expected VALIDATION for unknown agent, got %v", err)
	}
}

func TestRenewCertificatesReloadsWhenRenewed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	h.admin.mu.Lock()
	h.admin.reloads = 0
	h.admin.mu.Unlock()

	result, err := h.orch.RenewCertificates(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.Renewed != 1 {
		t.Errorf("renewed = %d", result.Renewed)
	}

	h.certs.mu.Lock()
	synced := h.certs.synced
	h.certs.mu.Unlock()
	if synced != 1 {
		t.Errorf("synced = %d, want 1", synced)
	}

	h.admin.mu.Lock()
	reloads := h.admin.reloads
	h.admin.mu.Unlock()
	if reloads != 1 {
		t.Errorf("reloads = %d, want 1", reloads)
	}
}

func TestMetricsTrackRoutesAndReloads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.AddApp(ctx, "dash", "http://10.0.0.7:8080", ""); err != nil {
		t.Fatal(err)
	}

	if got := h.gaugeValue(t, "frontdoor_routes_active", "mongodb"); got != 1 {
		t.Errorf("routes_active{mongodb} = %v, want 1", got)
	}
	if got := h.gaugeValue(t, "frontdoor_routes_active", "app"); got != 1 {
		t.Errorf("routes_active{app} = %v, want 1", got)
	}
	if got := h.gaugeValue(t, "frontdoor_proxy_reloads_total", "success"); got != 2 {
		t.Errorf("proxy_reloads_total{success} = %v, want 2", got)
	}

	// A failed reload lands in the failure bucket without failing the call.
	h.admin.mu.Lock()
	h.admin.failReload = true
	h.admin.mu.Unlock()
	if err := h.orch.RemoveAgent(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	if got := h.gaugeValue(t, "frontdoor_proxy_reloads_total", "failure"); got != 1 {
		t.Errorf("proxy_reloads_total{failure} = %v, want 1", got)
	}
	if got := h.gaugeValue(t, "frontdoor_routes_active", "mongodb"); got != 0 {
		t.Errorf("routes_active{mongodb} = %v after removal, want 0", got)
	}
}

func TestRepairDocumentRebuildsAfterExternalDamage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.RegisterAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}

	// Externally clobber the document with garbage.
	if err := os.WriteFile(h.store.DynamicPath(), []byte("{{{ not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.orch.RepairDocument(ctx)

	// Repair rebuilds from fragments, so the agent route must be back.
	repaired, err := h.store.LoadDocument()
	if err != nil {
		t.Fatal(err)
	}
	if repaired.TCP.Routers["alpha-mongodb"] == nil {
		t.Error("repair did not restore the agent route")
	}
	if !repaired.HasCatchall() {
		t.Error("repair did not restore the catchall")
	}
}
