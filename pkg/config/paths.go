package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

// Paths is the resolved filesystem layout used by all components.
// Every path is absolute and its parent directory is writable by the
// calling process.
type Paths struct {
	// Base is the resolved base directory.
	Base string

	// ConfigDir holds the dynamic document and the agents directory.
	ConfigDir string

	// AgentsDir holds one route fragment file per agent.
	AgentsDir string

	// DynamicPath is the merged dynamic document consumed by the proxy.
	DynamicPath string

	// CertsDir holds the CA material and per-agent certificate directories.
	CertsDir string

	// Containerized reports whether the process appears to run in a container.
	Containerized bool
}

// AgentCertDir returns the certificate directory for the given agent.
func (p *Paths) AgentCertDir(agentID string) string {
	return filepath.Join(p.CertsDir, "agents", SanitizeName(agentID))
}

// FragmentPath returns the route fragment file for the given agent.
func (p *Paths) FragmentPath(agentID string) string {
	return filepath.Join(p.AgentsDir, SanitizeName(agentID)+".yml")
}

// containerMarkers are well-known files whose presence indicates a
// containerized environment.
var containerMarkers = []string{
	"/.dockerenv",
	"/run/.containerenv",
}

// InContainer reports whether the process appears to be running inside a
// container, by probing well-known marker files and the cgroup table.
func InContainer() bool {
	for _, marker := range containerMarkers {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		s := string(data)
		if strings.Contains(s, "docker") || strings.Contains(s, "containerd") || strings.Contains(s, "kubepods") {
			return true
		}
	}
	return false
}

// ResolvePaths chooses the base directory and derives the canonical layout.
//
// Candidates are tried in order: the configured override, the
// environment-appropriate default (container vs host), and the fallback.
// A candidate is usable when it (or its nearest existing ancestor) can be
// created and written to. When no candidate is usable the resolver fails
// with kind ENV_UNUSABLE.
func ResolvePaths(cfg *PathsConfig) (*Paths, error) {
	containerized := InContainer()

	var candidates []string
	if cfg.Base != "" {
		candidates = append(candidates, cfg.Base)
	}
	if containerized {
		candidates = append(candidates, cfg.ContainerDefault, cfg.HostDefault)
	} else {
		candidates = append(candidates, cfg.HostDefault, cfg.ContainerDefault)
	}
	candidates = append(candidates, cfg.Fallback)

	var tried []string
	for _, base := range candidates {
		if base == "" {
			continue
		}
		abs, err := filepath.Abs(base)
		if err != nil {
			tried = append(tried, base)
			continue
		}
		if err := ensureWritable(abs); err != nil {
			tried = append(tried, fmt.Sprintf("%s (%v)", abs, err))
			continue
		}
		return layoutFor(abs, containerized)
	}

	return nil, errdefs.Newf(errdefs.KindEnvUnusable,
		"no usable base directory, tried: %s", strings.Join(tried, "; "))
}

// layoutFor creates the directory tree under base and returns the layout.
func layoutFor(base string, containerized bool) (*Paths, error) {
	p := &Paths{
		Base:          base,
		ConfigDir:     filepath.Join(base, "config"),
		AgentsDir:     filepath.Join(base, "config", "agents"),
		DynamicPath:   filepath.Join(base, "config", "dynamic.yml"),
		CertsDir:      filepath.Join(base, "config", "certs"),
		Containerized: containerized,
	}

	for _, dir := range []string{p.ConfigDir, p.AgentsDir, p.CertsDir, filepath.Join(p.CertsDir, "agents")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.Wrap(errdefs.KindEnvUnusable,
				fmt.Sprintf("cannot create %s", dir), err)
		}
	}

	return p, nil
}

// ensureWritable verifies that dir exists (creating it if needed) and that
// the process can create files inside it. The probe file is removed before
// returning.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// SanitizeName reduces an identifier to characters safe for use as a file
// name. Any character outside [a-zA-Z0-9_-] is replaced with '-'.
func SanitizeName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}
