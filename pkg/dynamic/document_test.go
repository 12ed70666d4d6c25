package dynamic

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestNewDefaultDocumentScaffolding(t *testing.T) {
	doc := NewDefaultDocument("mongodb.example.com")

	catchall, ok := doc.TCP.Routers[CatchallRouterName]
	if !ok {
		t.Fatal("catchall router missing")
	}
	if catchall.Rule != "HostSNI(`*.mongodb.example.com`)" {
		t.Errorf("catchall rule = %q", catchall.Rule)
	}
	if catchall.TLS == nil || !catchall.TLS.Passthrough {
		t.Error("catchall must use TLS passthrough")
	}

	svc, ok := doc.TCP.Services[CatchallServiceName]
	if !ok {
		t.Fatal("catchall service missing")
	}
	if len(svc.LoadBalancer.Servers) != 0 {
		t.Error("catchall service must have an empty server pool")
	}

	if _, ok := doc.HTTP.Middlewares[RedirectMiddlewareName]; !ok {
		t.Error("redirect middleware missing")
	}

	if err := doc.Validate(); err != nil {
		t.Errorf("default document invalid: %v", err)
	}
}

func TestEnsureScaffoldingPreservesExisting(t *testing.T) {
	doc := NewDefaultDocument("mongodb.example.com")
	doc.TCP.Routers[CatchallRouterName].Rule = "HostSNI(`*.custom.example.org`)"

	doc.EnsureScaffolding("mongodb.example.com")

	if doc.TCP.Routers[CatchallRouterName].Rule != "HostSNI(`*.custom.example.org`)" {
		t.Error("EnsureScaffolding overwrote an existing catchall")
	}
}

func TestValidateDanglingService(t *testing.T) {
	doc := NewDefaultDocument("mongodb.example.com")
	doc.TCP.Routers["orphan"] = &TCPRouter{
		Rule:    "HostSNI(`x.mongodb.example.com`)",
		Service: "does-not-exist",
	}

	err := doc.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "does-not-exist") {
		t.Errorf("error does not name the dangling service: %v", err)
	}
}

func TestValidateDanglingMiddleware(t *testing.T) {
	doc := NewDefaultDocument("mongodb.example.com")
	doc.HTTP.Services["svc"] = &HTTPService{}
	doc.HTTP.Routers["r"] = &HTTPRouter{
		Rule:        "Host(`a.example.com`)",
		Service:     "svc",
		Middlewares: []string{"ghost"},
	}

	if err := doc.Validate(); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("expected dangling middleware error, got %v", err)
	}
}

func TestDocumentYAMLRoundTrip(t *testing.T) {
	doc := NewDefaultDocument("mongodb.example.com")
	frag := NewFragment()
	frag.SetMongoRoute("alpha-01", "mongodb.example.com", "10.0.0.7", 27017, true)
	frag.MergeInto(doc)

	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Document
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	router := back.TCP.Routers["alpha-01-mongodb"]
	if router == nil {
		t.Fatal("agent router lost in round trip")
	}
	if router.Rule != "HostSNI(`alpha-01.mongodb.example.com`)" {
		t.Errorf("rule = %q", router.Rule)
	}
	if !back.HasCatchall() {
		t.Error("catchall lost in round trip")
	}
}

func TestFragmentNamespacing(t *testing.T) {
	// Two agents' resources must never share a key.
	a := NewFragment()
	a.SetMongoRoute("alpha", "m.example.com", "10.0.0.1", 27017, true)
	b := NewFragment()
	b.SetMongoRoute("beta", "m.example.com", "10.0.0.2", 27017, false)

	doc := NewDefaultDocument("m.example.com")
	a.MergeInto(doc)
	b.MergeInto(doc)

	if len(doc.TCP.Routers) != 3 { // two agents + catchall
		t.Errorf("router count = %d, want 3", len(doc.TCP.Routers))
	}

	alpha := doc.TCP.Routers["alpha-mongodb"]
	beta := doc.TCP.Routers["beta-mongodb"]
	if alpha == nil || beta == nil {
		t.Fatal("expected per-agent routers")
	}
	if alpha.TLS == nil || !alpha.TLS.Passthrough {
		t.Error("alpha should use passthrough")
	}
	if beta.TLS != nil {
		t.Error("beta (plaintext backend) must not use passthrough")
	}
}

func TestSetAppRoute(t *testing.T) {
	frag := NewFragment()
	if err := frag.SetAppRoute("alpha", "dash", "apps.example.com", "http://10.0.0.7:8080"); err != nil {
		t.Fatalf("SetAppRoute: %v", err)
	}

	router := frag.HTTP.Routers["alpha-app-dash"]
	if router == nil {
		t.Fatal("app router missing")
	}
	if router.Rule != "Host(`dash.apps.example.com`)" {
		t.Errorf("rule = %q", router.Rule)
	}

	mw := frag.HTTP.Middlewares["alpha-app-dash-hostrewrite"]
	if mw == nil {
		t.Fatal("host rewrite middleware missing")
	}
	headers := mw["headers"]["customRequestHeaders"].(map[string]any)
	if headers["Host"] != "10.0.0.7:8080" {
		t.Errorf("Host rewrite = %v", headers["Host"])
	}

	// Router must reference only middlewares that exist after merge.
	doc := NewDefaultDocument("m.example.com")
	frag.MergeInto(doc)
	if err := doc.Validate(); err != nil {
		t.Errorf("merged document invalid: %v", err)
	}
}

func TestRemoveRoutes(t *testing.T) {
	frag := NewFragment()
	frag.SetMongoRoute("alpha", "m.example.com", "10.0.0.1", 27017, true)
	frag.SetAppRoute("alpha", "dash", "apps.example.com", "http://10.0.0.1:80")

	frag.RemoveMongoRoute("alpha")
	frag.RemoveAppRoute("alpha", "dash")

	if !frag.Empty() {
		t.Errorf("fragment not empty after removals: %+v", frag)
	}
}
