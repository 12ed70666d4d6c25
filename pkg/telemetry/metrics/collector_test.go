package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"cloudlunacy/frontdoor/pkg/config"
)

func TestCollectorExposesMetrics(t *testing.T) {
	c := NewCollector(&config.MetricsConfig{Namespace: "frontdoor"}, nil)

	c.RoutesActive.WithLabelValues("mongodb").Set(3)
	c.Reloads.WithLabelValues("success").Inc()
	c.CertExpiryDays.WithLabelValues("alpha").Set(120)
	c.BreakerState.WithLabelValues("certificates").Set(0)
	c.WeightChanges.Add(4)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`frontdoor_routes_active{kind="mongodb"} 3`,
		`frontdoor_proxy_reloads_total{outcome="success"} 1`,
		`frontdoor_certificate_expiry_days{agent_id="alpha"} 120`,
		`frontdoor_breaker_state{breaker="certificates"} 0`,
		`frontdoor_weight_changes_total 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorDefaultNamespace(t *testing.T) {
	c := NewCollector(&config.MetricsConfig{}, nil)
	c.WeightChanges.Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "frontdoor_weight_changes_total") {
		t.Error("default namespace not applied")
	}
}
