package certs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
	"cloudlunacy/frontdoor/pkg/resilience"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// Operation classes for the certificate breaker's rate limits.
const (
	OpIssue  = "issue"
	OpRenew  = "renew"
	OpRevoke = "revoke"
)

// proxyDirName is the subdirectory of the certs dir the proxy mounts:
// combined PEMs plus the CA copy land here on sync.
const proxyDirName = "proxy"

// Manager is the operational surface over the Authority. Every public
// operation runs under the certificate breaker with its operation-class tag
// and holds the target agent's advisory lock.
type Manager struct {
	authority *Authority
	paths     *config.Paths
	locks     *locking.Manager
	breaker   *resilience.Breaker
	bus       *events.Bus
	metrics   *metrics.Collector
	logger    *slog.Logger

	leafValidityDays int
	renewBeforeDays  int
}

// NewManager wires the certificate manager. collector may be nil when
// metrics are disabled.
func NewManager(authority *Authority, paths *config.Paths, locks *locking.Manager, bus *events.Bus, cfg *config.CertificatesConfig, collector *metrics.Collector) *Manager {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "certificates",
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		RateClasses: map[string]resilience.RateClass{
			OpIssue:  {Limit: int64(cfg.IssuePerHour), Window: time.Hour},
			OpRenew:  {Limit: int64(cfg.RenewPerHour), Window: time.Hour},
			OpRevoke: {Limit: int64(cfg.RevokePerHour), Window: time.Hour},
		},
		OnStateChange: func(name string, from, to resilience.State) {
			if collector != nil {
				collector.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return &Manager{
		authority:        authority,
		paths:            paths,
		locks:            locks,
		breaker:          breaker,
		bus:              bus,
		metrics:          collector,
		logger:           slog.Default().With("component", "certs.manager"),
		leafValidityDays: cfg.LeafValidityDays,
		renewBeforeDays:  cfg.RenewBeforeDays,
	}
}

// recordOp counts one certificate operation outcome.
func (m *Manager) recordOp(class string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.CertOperations.WithLabelValues(class, outcome).Inc()
}

// Breaker exposes the manager's breaker for status reporting.
func (m *Manager) Breaker() *resilience.Breaker {
	return m.breaker
}

// BootstrapCA ensures the CA exists. Idempotent.
func (m *Manager) BootstrapCA() error {
	return m.authority.Bootstrap()
}

// IssueAgent generates and persists a full certificate set for an agent and
// syncs the proxy-facing copies.
func (m *Manager) IssueAgent(ctx context.Context, agentID, targetIP string) error {
	err := m.breaker.Execute(ctx, OpIssue, func(ctx context.Context) error {
		return m.locks.WithLock(ctx, "agent-cert:"+agentID, 0, func() error {
			return m.issueLocked(agentID, targetIP)
		})
	})
	m.recordOp(OpIssue, err)
	return err
}

// issueLocked performs the issuance while the agent lock is held.
func (m *Manager) issueLocked(agentID, targetIP string) error {
	material, err := m.authority.IssueLeaf(agentID, targetIP, m.leafValidityDays)
	if err != nil {
		return err
	}

	dir := m.paths.AgentCertDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot create %s", dir), err)
	}

	caPEM, err := m.authority.CACertPEM()
	if err != nil {
		return err
	}

	// Private material 0600, public material 0644.
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{AgentKeyFile, material.KeyPEM, 0o600},
		{AgentCertFile, material.CertPEM, 0o644},
		{AgentCombinedFile, material.CombinedPEM, 0o600},
		{AgentCACopyFile, caPEM, 0o644},
		{AgentCSRFile, material.CSRPEM, 0o644},
		{AgentExtFile, material.ExtText, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, f.mode); err != nil {
			return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot write %s", path), err)
		}
		// WriteFile does not change the mode of pre-existing files.
		if err := os.Chmod(path, f.mode); err != nil {
			return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot chmod %s", path), err)
		}
	}

	m.logger.Info("issued agent certificate",
		"agent_id", agentID,
		"target_ip", targetIP,
		"serial", material.Serial,
		"not_after", material.NotAfter.Format(time.RFC3339),
	)

	return m.syncAgent(agentID)
}

// RenewScanOptions controls a renewal pass.
type RenewScanOptions struct {
	// ForceAll renews every certificate regardless of remaining validity.
	ForceAll bool

	// RenewBeforeDays overrides the configured renewal window when > 0.
	RenewBeforeDays int
}

// AgentRenewStatus is the per-agent outcome of a renewal scan.
type AgentRenewStatus struct {
	AgentID  string `json:"agent_id"`
	Action   string `json:"action"` // "renewed", "skipped", "failed"
	DaysLeft int    `json:"days_left"`
	Error    string `json:"error,omitempty"`
}

// RenewScanResult summarizes a renewal pass.
type RenewScanResult struct {
	Checked int                `json:"checked"`
	Renewed int                `json:"renewed"`
	Failed  int                `json:"failed"`
	Skipped int                `json:"skipped"`
	Agents  []AgentRenewStatus `json:"agents"`
}

// RenewScan re-issues every agent certificate whose expiry falls within the
// renewal window, recovering the target IP from the certificate's SAN list.
// The scan is idempotent: a second run with no wall-clock change finds
// nothing left to renew.
func (m *Manager) RenewScan(ctx context.Context, opts RenewScanOptions) (*RenewScanResult, error) {
	renewBefore := m.renewBeforeDays
	if opts.RenewBeforeDays > 0 {
		renewBefore = opts.RenewBeforeDays
	}

	agentIDs, err := m.listAgentCertIDs()
	if err != nil {
		return nil, err
	}

	result := &RenewScanResult{}
	for _, agentID := range agentIDs {
		result.Checked++
		status := m.renewOne(ctx, agentID, renewBefore, opts.ForceAll)
		result.Agents = append(result.Agents, status)

		switch status.Action {
		case "renewed":
			result.Renewed++
		case "failed":
			result.Failed++
		default:
			result.Skipped++
		}
	}

	m.logger.Info("renewal scan complete",
		"checked", result.Checked,
		"renewed", result.Renewed,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return result, nil
}

// renewOne evaluates and possibly renews a single agent certificate.
func (m *Manager) renewOne(ctx context.Context, agentID string, renewBefore int, force bool) AgentRenewStatus {
	certPath := filepath.Join(m.paths.AgentCertDir(agentID), AgentCertFile)
	data, err := os.ReadFile(certPath)
	if err != nil {
		return AgentRenewStatus{AgentID: agentID, Action: "failed", Error: fmt.Sprintf("cannot read certificate: %v", err)}
	}

	cert, err := ParseCertificatePEM(data)
	if err != nil {
		return AgentRenewStatus{AgentID: agentID, Action: "failed", Error: err.Error()}
	}

	daysLeft := int(time.Until(cert.NotAfter).Hours() / 24)
	if !force && daysLeft > renewBefore {
		return AgentRenewStatus{AgentID: agentID, Action: "skipped", DaysLeft: daysLeft}
	}

	ip, ok := SANIP(cert)
	if !ok {
		return AgentRenewStatus{AgentID: agentID, Action: "failed", DaysLeft: daysLeft,
			Error: "certificate carries no target IP SAN"}
	}

	err = m.breaker.Execute(ctx, OpRenew, func(ctx context.Context) error {
		return m.locks.WithLock(ctx, "agent-cert:"+agentID, 0, func() error {
			return m.issueLocked(agentID, ip)
		})
	})
	m.recordOp(OpRenew, err)
	if err != nil {
		return AgentRenewStatus{AgentID: agentID, Action: "failed", DaysLeft: daysLeft, Error: err.Error()}
	}
	return AgentRenewStatus{AgentID: agentID, Action: "renewed", DaysLeft: daysLeft}
}

// Revoke removes an agent's certificate material and the proxy-facing
// copies.
func (m *Manager) Revoke(ctx context.Context, agentID string) error {
	err := m.breaker.Execute(ctx, OpRevoke, func(ctx context.Context) error {
		return m.locks.WithLock(ctx, "agent-cert:"+agentID, 0, func() error {
			dir := m.paths.AgentCertDir(agentID)
			if err := os.RemoveAll(dir); err != nil {
				return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot remove %s", dir), err)
			}
			proxyPEM := filepath.Join(m.proxyDir(), config.SanitizeName(agentID)+".pem")
			if err := os.Remove(proxyPEM); err != nil && !os.IsNotExist(err) {
				return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot remove %s", proxyPEM), err)
			}
			m.logger.Info("revoked agent certificate", "agent_id", agentID)
			return nil
		})
	})
	m.recordOp(OpRevoke, err)
	return err
}

// SyncToProxy copies the CA certificate and every agent's combined PEM into
// the proxy-facing directory with public file modes.
func (m *Manager) SyncToProxy(ctx context.Context) error {
	agentIDs, err := m.listAgentCertIDs()
	if err != nil {
		return err
	}
	if err := m.syncCA(); err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		if err := m.syncAgent(agentID); err != nil {
			return err
		}
	}
	return nil
}

// syncCA copies the CA cert into the proxy dir under both its own name and
// the MongoDB host name.
func (m *Manager) syncCA() error {
	caPEM, err := m.authority.CACertPEM()
	if err != nil {
		return err
	}
	dir := m.proxyDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, "cannot create proxy certs directory", err)
	}
	for _, name := range []string{CACertFile, MongoCALink} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, caPEM, 0o644); err != nil {
			return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot write %s", path), err)
		}
	}
	return nil
}

// syncAgent copies one agent's combined PEM into the proxy dir.
func (m *Manager) syncAgent(agentID string) error {
	if err := m.syncCA(); err != nil {
		return err
	}

	combined, err := os.ReadFile(filepath.Join(m.paths.AgentCertDir(agentID), AgentCombinedFile))
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot read combined PEM for %s", agentID), err)
	}

	dst := filepath.Join(m.proxyDir(), config.SanitizeName(agentID)+".pem")
	if err := os.WriteFile(dst, combined, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot write %s", dst), err)
	}
	return nil
}

// ValidationResult is the structured outcome of Validate: one issue per
// failing predicate, empty when the agent's material is fully consistent.
type ValidationResult struct {
	AgentID string   `json:"agent_id"`
	Valid   bool     `json:"valid"`
	Issues  []string `json:"issues,omitempty"`
}

// Validate confirms an agent's certificate set: files exist, the CN matches
// the agent, the leaf is unexpired and CA-signed, and the proxy-facing copy
// exists.
func (m *Manager) Validate(agentID string) *ValidationResult {
	result := &ValidationResult{AgentID: agentID}
	dir := m.paths.AgentCertDir(agentID)

	for _, name := range []string{AgentKeyFile, AgentCertFile, AgentCombinedFile, AgentCACopyFile} {
		if !fileExists(filepath.Join(dir, name)) {
			result.Issues = append(result.Issues, fmt.Sprintf("missing %s", name))
		}
	}

	if certData, err := os.ReadFile(filepath.Join(dir, AgentCertFile)); err == nil {
		if err := m.authority.VerifyLeaf(certData, agentID); err != nil {
			result.Issues = append(result.Issues, err.Error())
		}
	}

	proxyPEM := filepath.Join(m.proxyDir(), config.SanitizeName(agentID)+".pem")
	if !fileExists(proxyPEM) {
		result.Issues = append(result.Issues, "combined PEM not synced to proxy")
	}

	result.Valid = len(result.Issues) == 0
	return result
}

// listAgentCertIDs returns the agents that have certificate directories.
func (m *Manager) listAgentCertIDs() ([]string, error) {
	agentsDir := filepath.Join(m.paths.CertsDir, "agents")
	entries, err := os.ReadDir(agentsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertIO, "cannot list agent certs", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (m *Manager) proxyDir() string {
	return filepath.Join(m.paths.CertsDir, proxyDirName)
}
