package certs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
	"cloudlunacy/frontdoor/pkg/resilience"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	paths, err := config.ResolvePaths(&config.PathsConfig{Base: t.TempDir()})
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	locks, err := locking.NewManager(filepath.Join(paths.Base, "locks"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	authority := NewAuthority(paths.CertsDir)
	m := NewManager(authority, paths, locks, events.NewBus(), &config.CertificatesConfig{
		CAValidityYears:  10,
		LeafValidityDays: 825,
		RenewBeforeDays:  30,
		IssuePerHour:     100,
		RenewPerHour:     100,
		RevokePerHour:    100,
	}, nil)
	if err := m.BootstrapCA(); err != nil {
		t.Fatalf("BootstrapCA: %v", err)
	}
	return m
}

func TestIssueAgentWritesFullSet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "alpha-01", "10.0.0.7"); err != nil {
		t.Fatalf("IssueAgent: %v", err)
	}

	dir := m.paths.AgentCertDir("alpha-01")
	checks := []struct {
		name string
		mode os.FileMode
	}{
		{AgentKeyFile, 0o600},
		{AgentCertFile, 0o644},
		{AgentCombinedFile, 0o600},
		{AgentCACopyFile, 0o644},
		{AgentCSRFile, 0o644},
		{AgentExtFile, 0o644},
	}
	for _, c := range checks {
		info, err := os.Stat(filepath.Join(dir, c.name))
		if err != nil {
			t.Errorf("%s missing: %v", c.name, err)
			continue
		}
		if info.Mode().Perm() != c.mode {
			t.Errorf("%s mode = %o, want %o", c.name, info.Mode().Perm(), c.mode)
		}
	}

	// Proxy-facing copies must exist after issuance.
	for _, name := range []string{"alpha-01.pem", CACertFile, MongoCALink} {
		if !fileExists(filepath.Join(m.proxyDir(), name)) {
			t.Errorf("proxy copy %s missing", name)
		}
	}

	result := m.Validate("alpha-01")
	if !result.Valid {
		t.Errorf("Validate issues: %v", result.Issues)
	}
}

func TestValidateReportsPerPredicateIssues(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "beta", "10.0.0.8"); err != nil {
		t.Fatal(err)
	}

	// Break two predicates: remove the key and the proxy copy.
	os.Remove(filepath.Join(m.paths.AgentCertDir("beta"), AgentKeyFile))
	os.Remove(filepath.Join(m.proxyDir(), "beta.pem"))

	result := m.Validate("beta")
	if result.Valid {
		t.Fatal("expected validation failure")
	}
	if len(result.Issues) != 2 {
		t.Errorf("issues = %v, want 2 entries", result.Issues)
	}
}

func TestRenewScanSkipsFreshCerts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}

	result, err := m.RenewScan(ctx, RenewScanOptions{})
	if err != nil {
		t.Fatalf("RenewScan: %v", err)
	}
	if result.Checked != 1 || result.Skipped != 1 || result.Renewed != 0 {
		t.Errorf("result = %+v, want 1 checked / 1 skipped", result)
	}

	// Idempotence: a second scan with no clock change gives the same counts.
	again, err := m.RenewScan(ctx, RenewScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Checked != result.Checked || again.Skipped != result.Skipped || again.Renewed != result.Renewed {
		t.Errorf("second scan %+v differs from first %+v", again, result)
	}
}

func TestRenewScanForceAllRecoversIPFromSAN(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	certPath := filepath.Join(m.paths.AgentCertDir("alpha"), AgentCertFile)
	before, _ := os.ReadFile(certPath)

	result, err := m.RenewScan(ctx, RenewScanOptions{ForceAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Renewed != 1 {
		t.Fatalf("result = %+v, want 1 renewed", result)
	}

	after, _ := os.ReadFile(certPath)
	if string(before) == string(after) {
		t.Error("forced renewal did not re-issue the certificate")
	}

	// The renewed cert must carry the same SAN IP.
	cert, err := ParseCertificatePEM(after)
	if err != nil {
		t.Fatal(err)
	}
	if ip, _ := SANIP(cert); ip != "10.0.0.7" {
		t.Errorf("renewed SAN IP = %q, want 10.0.0.7", ip)
	}
}

func TestRevokeRemovesMaterial(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "alpha", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(ctx, "alpha"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if fileExists(m.paths.AgentCertDir("alpha")) {
		t.Error("agent cert directory survives revoke")
	}
	if fileExists(filepath.Join(m.proxyDir(), "alpha.pem")) {
		t.Error("proxy PEM survives revoke")
	}
}

func TestIssueRateLimited(t *testing.T) {
	paths, err := config.ResolvePaths(&config.PathsConfig{Base: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	locks, _ := locking.NewManager(filepath.Join(paths.Base, "locks"))
	authority := NewAuthority(paths.CertsDir)
	m := NewManager(authority, paths, locks, events.NewBus(), &config.CertificatesConfig{
		LeafValidityDays: 825,
		RenewBeforeDays:  30,
		IssuePerHour:     2,
		RenewPerHour:     10,
		RevokePerHour:    3,
	}, nil)
	if err := m.BootstrapCA(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.IssueAgent(ctx, "a1", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := m.IssueAgent(ctx, "a2", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}

	err = m.IssueAgent(ctx, "a3", "10.0.0.3")
	if !errors.Is(err, errdefs.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED on third issue, got %v", err)
	}

	// Rate rejection must not trip the breaker.
	if m.Breaker().State() != resilience.StateClosed {
		t.Errorf("breaker state = %v after rate rejection", m.Breaker().State())
	}
}
