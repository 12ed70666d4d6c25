package certs

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/telemetry/metrics"
)

// CertStatus classifies a scanned certificate.
type CertStatus string

const (
	StatusGood    CertStatus = "good"
	StatusWarning CertStatus = "warning"
	StatusExpired CertStatus = "expired"
	StatusInvalid CertStatus = "invalid"
	StatusUnknown CertStatus = "unknown"
)

// CertInfo is one scanned certificate.
type CertInfo struct {
	AgentID         string     `json:"agent_id"`
	Domain          string     `json:"domain,omitempty"`
	Status          CertStatus `json:"status"`
	NotBefore       time.Time  `json:"not_before"`
	NotAfter        time.Time  `json:"not_after"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	Detail          string     `json:"detail,omitempty"`
}

// ScanSummary aggregates one monitor pass.
type ScanSummary struct {
	Timestamp time.Time          `json:"timestamp"`
	Total     int                `json:"total"`
	ByStatus  map[CertStatus]int `json:"by_status"`
	ByDomain  map[string]int     `json:"by_domain"`
	Certs     []CertInfo         `json:"certs"`
}

// ListFunc enumerates the active certificates to scan. Injected by the
// orchestrator; when nil the monitor walks the agents certificate directory.
type ListFunc func(ctx context.Context) ([]CertInfo, error)

// historyLimit bounds the renewal-history and failure ring buffers.
const historyLimit = 100

// MonitorConfig configures the certificate monitor.
type MonitorConfig struct {
	// Schedule is the cron expression for periodic scans.
	Schedule string

	// WarningDays is the days-until-expiry threshold for warning events.
	WarningDays int

	// CriticalDays marks certificates needing immediate renewal.
	CriticalDays int

	// CertsDir is the fallback scan root (agents subdirectory layout).
	CertsDir string

	// List is the preferred certificate source. Optional.
	List ListFunc

	// Metrics receives per-agent expiry gauges. Optional.
	Metrics *metrics.Collector
}

// Monitor periodically scans the certificate set and emits warning/expiry
// events. It observes only; renewal is the Manager's job.
type Monitor struct {
	cfg    MonitorConfig
	bus    *events.Bus
	cron   *cron.Cron
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	lastScan *ScanSummary
	failures []string
	history  []string
}

// NewMonitor creates a certificate monitor.
func NewMonitor(cfg MonitorConfig, bus *events.Bus) *Monitor {
	if cfg.WarningDays == 0 {
		cfg.WarningDays = 30
	}
	if cfg.CriticalDays == 0 {
		cfg.CriticalDays = 7
	}
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		cron:   cron.New(),
		logger: slog.Default().With("component", "certs.monitor"),
	}
}

// Start runs an immediate scan, then schedules periodic scans. The schedule
// accepts standard cron syntax and the @every form.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	// Immediate pass at startup so expired material surfaces before the
	// first tick.
	m.Scan(ctx)

	if _, err := m.cron.AddFunc(m.cfg.Schedule, func() {
		m.Scan(ctx)
	}); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", m.cfg.Schedule, err)
	}

	m.cron.Start()
	m.logger.Info("certificate monitor started", "schedule", m.cfg.Schedule)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running scan to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
		m.running = false
		m.logger.Info("certificate monitor stopped")
	}
}

// LastScan returns the most recent scan summary, or nil before the first
// pass.
func (m *Monitor) LastScan() *ScanSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScan
}

// RecordRenewal appends to the renewal history ring. The orchestrator's
// renewal flow does not call it, and the ring is not exposed by any accessor.
func (m *Monitor) RecordRenewal(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = appendRing(m.history, fmt.Sprintf("%s renewed at %s", agentID, time.Now().Format(time.RFC3339)))
}

// Scan performs one monitor pass: enumerate, classify, aggregate, emit.
func (m *Monitor) Scan(ctx context.Context) *ScanSummary {
	certs, err := m.list(ctx)
	if err != nil {
		m.logger.Error("certificate scan failed", "error", err)
		m.mu.Lock()
		m.failures = appendRing(m.failures, err.Error())
		m.mu.Unlock()
		return nil
	}

	summary := &ScanSummary{
		Timestamp: time.Now(),
		Total:     len(certs),
		ByStatus:  make(map[CertStatus]int),
		ByDomain:  make(map[string]int),
	}

	for i := range certs {
		c := &certs[i]
		m.classify(c)
		summary.ByStatus[c.Status]++
		domain := c.Domain
		if domain == "" {
			domain = c.AgentID
		}
		summary.ByDomain[domain]++
		summary.Certs = append(summary.Certs, *c)

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.CertExpiryDays.WithLabelValues(c.AgentID).Set(float64(c.DaysUntilExpiry))
		}

		switch c.Status {
		case StatusExpired:
			m.bus.Publish(events.Event{
				Type:    events.EventCertExpired,
				AgentID: c.AgentID,
				Message: fmt.Sprintf("certificate for %s expired on %s", c.AgentID, c.NotAfter.Format(time.RFC3339)),
			})
		case StatusWarning:
			m.bus.Publish(events.Event{
				Type:    events.EventCertWarning,
				AgentID: c.AgentID,
				Message: fmt.Sprintf("certificate for %s expires in %d days", c.AgentID, c.DaysUntilExpiry),
				Details: map[string]any{
					"days_until_expiry": c.DaysUntilExpiry,
					"critical":          c.DaysUntilExpiry <= m.cfg.CriticalDays,
				},
			})
		}
	}

	m.bus.Publish(events.Event{
		Type:    events.EventCertsChecked,
		Message: fmt.Sprintf("checked %d certificates", summary.Total),
		Details: map[string]any{
			"total":   summary.Total,
			"warning": summary.ByStatus[StatusWarning],
			"expired": summary.ByStatus[StatusExpired],
		},
	})

	m.mu.Lock()
	m.lastScan = summary
	m.mu.Unlock()

	m.logger.Info("certificate scan complete",
		"total", summary.Total,
		"warning", summary.ByStatus[StatusWarning],
		"expired", summary.ByStatus[StatusExpired],
		"invalid", summary.ByStatus[StatusInvalid],
	)
	return summary
}

// classify derives the status from the certificate's validity window.
func (m *Monitor) classify(c *CertInfo) {
	now := time.Now()
	switch {
	case c.NotAfter.IsZero():
		if c.Status == "" {
			c.Status = StatusUnknown
		}
	case now.After(c.NotAfter):
		c.Status = StatusExpired
		c.DaysUntilExpiry = 0
	default:
		c.DaysUntilExpiry = int(c.NotAfter.Sub(now).Hours() / 24)
		if now.Before(c.NotBefore) {
			c.Status = StatusInvalid
			c.Detail = "not yet valid"
		} else if c.DaysUntilExpiry <= m.cfg.WarningDays {
			c.Status = StatusWarning
		} else {
			c.Status = StatusGood
		}
	}
}

// list resolves the certificate set via the injected hook or the directory
// walk fallback.
func (m *Monitor) list(ctx context.Context) ([]CertInfo, error) {
	if m.cfg.List != nil {
		return m.cfg.List(ctx)
	}
	return m.walkCertsDir()
}

// walkCertsDir scans <certsDir>/agents/<id>/server.crt.
func (m *Monitor) walkCertsDir() ([]CertInfo, error) {
	agentsDir := filepath.Join(m.cfg.CertsDir, "agents")
	entries, err := os.ReadDir(agentsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []CertInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := CertInfo{AgentID: e.Name()}

		data, err := os.ReadFile(filepath.Join(agentsDir, e.Name(), AgentCertFile))
		if err != nil {
			info.Status = StatusUnknown
			info.Detail = fmt.Sprintf("cannot read certificate: %v", err)
			out = append(out, info)
			continue
		}

		cert, err := ParseCertificatePEM(data)
		if err != nil {
			info.Status = StatusInvalid
			info.Detail = err.Error()
			out = append(out, info)
			continue
		}

		info.NotBefore = cert.NotBefore
		info.NotAfter = cert.NotAfter
		info.Domain = firstDNSName(cert)
		out = append(out, info)
	}
	return out, nil
}

func firstDNSName(cert *x509.Certificate) string {
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return cert.Subject.CommonName
}

// appendRing appends keeping at most historyLimit entries.
func appendRing(ring []string, entry string) []string {
	ring = append(ring, entry)
	if len(ring) > historyLimit {
		ring = ring[len(ring)-historyLimit:]
	}
	return ring
}
