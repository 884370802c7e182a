// Package workspace ties projects, their inventory stores, the protocol
// layers and the scan manager together for the CLI and the HTTP API.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eargollo/surveyor/internal/config"
	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/project"
	"github.com/eargollo/surveyor/internal/protocol"
	"github.com/eargollo/surveyor/internal/scan"
)

// Workspace is safe for concurrent use.
type Workspace struct {
	cfg    *config.Config
	loader protocol.Loader
	mgr    *scan.Manager

	mu     sync.Mutex
	stores map[string]*inventory.Store
}

// New creates a Workspace for cfg.
func New(cfg *config.Config) *Workspace {
	return &Workspace{
		cfg:    cfg,
		loader: protocol.Loader{Dir: cfg.ProtocolDir},
		mgr:    scan.NewManager(cfg.ScanOptions()),
		stores: make(map[string]*inventory.Store),
	}
}

// Config returns the loaded configuration.
func (w *Workspace) Config() *config.Config { return w.cfg }

// Manager returns the scan manager shared by every project.
func (w *Workspace) Manager() *scan.Manager { return w.mgr }

// Loader returns the global protocol layer loader.
func (w *Workspace) Loader() protocol.Loader { return w.loader }

// Open registers root as a project, or returns the existing registration.
func (w *Workspace) Open(root string) (*project.Project, error) {
	return project.Open(w.cfg.DataDir, root)
}

// Project loads a registered project by ID.
func (w *Workspace) Project(id string) (*project.Project, error) {
	return project.Load(w.cfg.DataDir, id)
}

// Projects lists registered projects.
func (w *Workspace) Projects() ([]*project.Project, error) {
	return project.List(w.cfg.DataDir)
}

// RegisterConfigured opens every project listed in the config. A configured
// field is applied only while the project has none selected.
func (w *Workspace) RegisterConfigured() ([]*project.Project, error) {
	var out []*project.Project
	for _, pc := range w.cfg.Projects {
		p, err := w.Open(pc.Root)
		if err != nil {
			return out, fmt.Errorf("register project %q: %w", pc.Root, err)
		}
		if p.Field == "" && pc.Field != "" {
			if err := w.SetField(p, pc.Field); err != nil {
				return out, fmt.Errorf("register project %q: %w", pc.Root, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Store returns the project's inventory, opening it on first use.
func (w *Workspace) Store(p *project.Project) (*inventory.Store, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.stores[p.ID]; ok {
		return s, nil
	}
	s, err := inventory.Open(p.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open inventory of %s: %w", p.ID, err)
	}
	w.stores[p.ID] = s
	return s, nil
}

// Protocol resolves the effective protocol of p from the current layer
// documents and the field selection stored in project.yaml, which may be
// newer than p.
func (w *Workspace) Protocol(p *project.Project) (*protocol.Effective, error) {
	p, err := w.Project(p.ID)
	if err != nil {
		return nil, err
	}
	user, err := w.loader.User()
	if err != nil {
		return nil, err
	}
	var field *protocol.Layer
	if p.Field != "" {
		l, err := w.loader.Field(p.Field)
		if err != nil {
			return nil, err
		}
		field = &l
	}
	proj, err := p.ProtocolLayer()
	if err != nil {
		return nil, err
	}
	return protocol.Resolve(protocol.System(), user, field, proj)
}

// SetField selects a field layer for p after checking that it exists. An
// empty field clears the selection.
func (w *Workspace) SetField(p *project.Project, field string) error {
	if field != "" {
		if _, err := w.loader.Field(field); err != nil {
			return err
		}
	}
	return p.SetField(field)
}

// AddProjectExcludes appends patterns to the project layer document.
func (w *Workspace) AddProjectExcludes(p *project.Project, patterns ...string) (protocol.Layer, error) {
	cur, err := p.ProtocolLayer()
	if err != nil {
		return protocol.Layer{}, err
	}
	var existing, instructions []string
	if cur != nil {
		existing, instructions = cur.ExcludePatterns(), cur.Instructions()
	}
	l, err := protocol.NewLayer(protocol.LayerProject, p.ProtocolPath(), append(existing, patterns...), instructions)
	if err != nil {
		return protocol.Layer{}, err
	}
	if err := protocol.WriteFile(p.ProtocolPath(), l); err != nil {
		return protocol.Layer{}, err
	}
	return l, nil
}

// StartScan takes the project's file lock, resolves its protocol and starts
// a scan. The lock is released when the scan returns.
func (w *Workspace) StartScan(ctx context.Context, p *project.Project, onProgress scan.ProgressFunc) (*scan.Session, error) {
	if w.mgr.Active(p.ID) != nil {
		return nil, scan.ErrAlreadyRunning
	}
	p, err := w.Project(p.ID)
	if err != nil {
		return nil, err
	}
	proto, err := w.Protocol(p)
	if err != nil {
		return nil, fmt.Errorf("resolve protocol of %s: %w", p.ID, err)
	}
	store, err := w.Store(p)
	if err != nil {
		return nil, err
	}
	unlock, err := p.Lock()
	if err != nil {
		return nil, err
	}

	sess, err := w.mgr.Start(ctx, scan.Target{
		ProjectID: p.ID,
		Root:      p.Root,
		FS:        scan.NewOSFS(p.Root),
		Store:     store,
		Release: func() {
			if err := unlock(); err != nil {
				slog.Warn("release scan lock", "project", p.ID, "error", err)
			}
		},
	}, proto, onProgress)
	if err != nil {
		unlock()
		return nil, err
	}
	return sess, nil
}

// Close cancels running scans and closes every open store.
func (w *Workspace) Close() error {
	w.mgr.CancelAll()
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for id, s := range w.stores {
		errs = append(errs, s.Close())
		delete(w.stores, id)
	}
	return errors.Join(errs...)
}
