package dynamic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/locking"
)

// Store persists per-agent fragments and the merged dynamic document.
//
// All write paths take an advisory lock keyed by the target file; readers
// take no lock because the atomic rename guarantees they always see a
// complete document.
type Store struct {
	paths  *config.Paths
	locks  *locking.Manager
	logger *slog.Logger

	// mongoDomain parameterizes the synthesized scaffolding.
	mongoDomain string
}

// NewStore creates a fragment/document store over the resolved layout.
func NewStore(paths *config.Paths, locks *locking.Manager, mongoDomain string) *Store {
	return &Store{
		paths:       paths,
		locks:       locks,
		logger:      slog.Default().With("component", "dynamic.store"),
		mongoDomain: mongoDomain,
	}
}

// DynamicPath returns the merged document path consumed by the proxy.
func (s *Store) DynamicPath() string {
	return s.paths.DynamicPath
}

// SaveFragment writes an agent's fragment with the atomic-replace contract.
func (s *Store) SaveFragment(ctx context.Context, agentID string, frag *Fragment) error {
	path := s.paths.FragmentPath(agentID)
	return s.locks.WithLock(ctx, "fragment:"+agentID, 0, func() error {
		data, err := yaml.Marshal(frag)
		if err != nil {
			return errdefs.Wrap(errdefs.KindConfigIO, "cannot serialize fragment", err)
		}
		return atomicReplace(path, data, func(b []byte) error {
			var reparsed Fragment
			return yaml.Unmarshal(b, &reparsed)
		})
	})
}

// LoadFragment reads an agent's fragment. A missing file yields an empty
// fragment; an unparseable file is quarantined and replaced by an empty one.
func (s *Store) LoadFragment(agentID string) (*Fragment, error) {
	path := s.paths.FragmentPath(agentID)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewFragment(), nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfigIO, fmt.Sprintf("cannot read fragment %s", path), err)
	}

	var frag Fragment
	if err := yaml.Unmarshal(data, &frag); err != nil {
		s.quarantine(path, err)
		return NewFragment(), nil
	}
	frag.init()
	return &frag, nil
}

// DeleteFragment removes an agent's fragment file. Missing files are not an
// error.
func (s *Store) DeleteFragment(ctx context.Context, agentID string) error {
	path := s.paths.FragmentPath(agentID)
	return s.locks.WithLock(ctx, "fragment:"+agentID, 0, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errdefs.Wrap(errdefs.KindConfigIO, fmt.Sprintf("cannot remove fragment %s", path), err)
		}
		return nil
	})
}

// ListAgentIDs returns the agent identifiers that currently have fragments,
// derived from the fragment file names, sorted.
func (s *Store) ListAgentIDs() ([]string, error) {
	entries, err := os.ReadDir(s.paths.AgentsDir)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfigIO, "cannot list agents directory", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yml") || strings.Contains(name, ".corrupted.") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yml"))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadDocument reads the merged dynamic document with read-repair: an
// unparseable document is quarantined to <path>.corrupted.<timestamp> and
// regenerated from the default shape. A missing document is regenerated
// silently.
func (s *Store) LoadDocument() (*Document, error) {
	path := s.paths.DynamicPath

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := NewDefaultDocument(s.mongoDomain)
		if werr := s.WriteDocument(context.Background(), doc); werr != nil {
			return nil, werr
		}
		return doc, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfigIO, fmt.Sprintf("cannot read dynamic document %s", path), err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.quarantine(path, err)
		fresh := NewDefaultDocument(s.mongoDomain)
		if werr := s.WriteDocument(context.Background(), fresh); werr != nil {
			return nil, werr
		}
		return fresh, nil
	}

	doc.EnsureScaffolding(s.mongoDomain)
	return &doc, nil
}

// WriteDocument persists the merged document with the crash-safe contract:
// serialize to a temporary sibling, re-parse the serialized bytes, rename
// over the target, fix mode to 0644. Validation failures abort without
// touching the target.
func (s *Store) WriteDocument(ctx context.Context, doc *Document) error {
	doc.EnsureScaffolding(s.mongoDomain)
	if err := doc.Validate(); err != nil {
		return errdefs.Wrap(errdefs.KindConfigCorrupt, "refusing to write invalid document", err)
	}

	return s.locks.WithLock(ctx, "dynamic-document", 0, func() error {
		return s.writeDocumentBytes(doc)
	})
}

// writeDocumentBytes performs the unlocked atomic replace.
func (s *Store) writeDocumentBytes(doc *Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot serialize dynamic document", err)
	}
	return atomicReplace(s.paths.DynamicPath, data, func(b []byte) error {
		var reparsed Document
		return yaml.Unmarshal(b, &reparsed)
	})
}

// Rebuild merges all fragments into a fresh document and writes it. This is
// the linearization point for route mutations: the orchestrator serializes
// callers, and the atomic rename makes the result visible to readers as a
// unit.
func (s *Store) Rebuild(ctx context.Context) (*Document, error) {
	ids, err := s.ListAgentIDs()
	if err != nil {
		return nil, err
	}

	doc := NewDefaultDocument(s.mongoDomain)
	for _, id := range ids {
		frag, err := s.LoadFragment(id)
		if err != nil {
			return nil, err
		}
		frag.MergeInto(doc)
	}

	if err := s.WriteDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// quarantine preserves the bytes of a corrupt file as
// <path>.corrupted.<timestamp>. Repair never deletes the original bytes.
func (s *Store) quarantine(path string, cause error) {
	sidecar := fmt.Sprintf("%s.corrupted.%d", path, time.Now().Unix())
	if err := os.Rename(path, sidecar); err != nil {
		s.logger.Error("cannot quarantine corrupt file",
			"path", path,
			"error", err,
		)
		return
	}
	s.logger.Warn("quarantined corrupt file",
		"path", path,
		"sidecar", sidecar,
		"parse_error", cause.Error(),
	)
}

// atomicReplace writes data to a temporary sibling of path, validates the
// serialized bytes with revalidate, fsyncs, and renames over the target.
// A rename across filesystems fails with kind CONFIG_CROSS_FS.
func atomicReplace(path string, data []byte, revalidate func([]byte) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfigIO, fmt.Sprintf("cannot create temp file in %s", dir), err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot close temp file", err)
	}

	// Validate by re-parsing the bytes actually written; a serialization
	// bug must never replace a good document with garbage.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot re-read temp file", err)
	}
	if err := revalidate(written); err != nil {
		return errdefs.Wrap(errdefs.KindConfigCorrupt, "serialized document failed re-parse", err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindConfigIO, "cannot set file mode", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return errdefs.Wrap(errdefs.KindConfigCrossFS,
				"atomic rename would cross filesystems", err)
		}
		return errdefs.Wrap(errdefs.KindConfigIO, fmt.Sprintf("cannot rename over %s", path), err)
	}
	return nil
}
