package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"cloudlunacy/frontdoor/pkg/agents"
	"cloudlunacy/frontdoor/pkg/certs"
	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/dynamic"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
	"cloudlunacy/frontdoor/pkg/orchestrator"
	"cloudlunacy/frontdoor/pkg/probe"
	"cloudlunacy/frontdoor/pkg/proxy"
)

// staticClassifier always reports plaintext backends.
type staticClassifier struct{}

func (staticClassifier) Classify(ctx context.Context, host string, port int) probe.Result {
	return probe.Result{Classification: probe.ClassPlaintext}
}

// nopAdmin accepts everything.
type nopAdmin struct{}

func (nopAdmin) Healthy(ctx context.Context) error                  { return nil }
func (nopAdmin) Reload(ctx context.Context) error                   { return nil }
func (nopAdmin) Stats(ctx context.Context) ([]proxy.BackendStats, error) { return nil, nil }
func (nopAdmin) BeginTransaction(ctx context.Context) (string, error)    { return "t", nil }
func (nopAdmin) UpdateServerWeight(ctx context.Context, a, b, c string, w int) error { return nil }
func (nopAdmin) CommitTransaction(ctx context.Context, txnID string) error { return nil }
func (nopAdmin) AbortTransaction(ctx context.Context, txnID string) error  { return nil }

func newTestServer(t *testing.T) http.Handler {
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

	bus := events.NewBus()
	authority := certs.NewAuthority(paths.CertsDir)
	certMgr := certs.NewManager(authority, paths, locks, bus, &cfg.Certificates, nil)
	if err := certMgr.BootstrapCA(); err != nil {
		t.Fatal(err)
	}

	orch := orchestrator.New(cfg, locks, store, registry, certMgr, staticClassifier{}, nopAdmin{}, bus, nil)
	srv := NewServer(&cfg.Server, &cfg.Telemetry.Metrics, &Handlers{Orch: orch}, nil)
	return srv.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.7:51234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/agent/register", `{"agentId":"alpha-01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// The caller's remote address becomes the backend IP.
	if resp["mongodbUrl"] != "mongodb://alpha-01.mongodb.test.local:27017" {
		t.Errorf("mongodbUrl = %v", resp["mongodbUrl"])
	}
	if resp["tlsPassthrough"] != false {
		t.Errorf("tlsPassthrough = %v, want false for plaintext backend", resp["tlsPassthrough"])
	}
}

func TestRegisterEndpointValidation(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/agent/register", `{"agentId":"bad agent"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["kind"] != "VALIDATION" {
		t.Errorf("kind = %q", resp["kind"])
	}
}

func TestAddAppAndConfigEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/frontdoor/add-app",
		`{"subdomain":"dash","targetUrl":"http://10.0.0.7:8080"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add-app status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/api/frontdoor/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("config status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dash-app-dash") {
		t.Error("merged config does not contain the app router")
	}
	if !strings.Contains(rec.Body.String(), dynamic.CatchallRouterName) {
		t.Error("merged config does not contain the catchall")
	}
}

func TestRemoveEndpoint(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h, "POST", "/api/agent/register", `{"agentId":"beta","targetIp":"10.0.0.8"}`)

	rec := doJSON(t, h, "DELETE", "/api/mongodb/beta", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/api/frontdoor/config", "")
	if strings.Contains(rec.Body.String(), "beta-mongodb") {
		t.Error("removed route still in config")
	}
}

func TestTestEndpoint(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h, "POST", "/api/agent/register", `{"agentId":"gamma","targetIp":"10.0.0.9"}`)

	rec := doJSON(t, h, "GET", "/api/mongodb/gamma/test", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("test status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "plaintext") {
		t.Errorf("test response missing classification: %s", rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/api/mongodb/ghost/test", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown agent status = %d, want 400", rec.Code)
	}
}

func TestStatusAndHealthEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mongodb.test.local") {
		t.Error("status missing domain settings")
	}
	if !strings.Contains(rec.Body.String(), "closed") {
		t.Error("status missing breaker state")
	}

	rec = doJSON(t, h, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}

func TestRenewEndpoint(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h, "POST", "/api/agent/register", `{"agentId":"delta","targetIp":"10.0.0.10"}`)

	rec := doJSON(t, h, "POST", "/api/certificates/renew", `{"force":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("renew status = %d: %s", rec.Code, rec.Body.String())
	}

	var result certs.RenewScanResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Checked != 1 || result.Renewed != 1 {
		t.Errorf("renew result = %+v", result)
	}
}
