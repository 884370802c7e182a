// Package project maps a target directory to its per-project state in the
// application data dir: the inventory database, the project protocol layer,
// the selected field and the scan lock. Nothing is ever written inside the
// target directory.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/eargollo/surveyor/internal/protocol"
)

// ErrNotDirectory is returned when a project root is missing or not a directory.
var ErrNotDirectory = errors.New("project root is not a directory")

// ErrLocked is returned when another process is scanning the project.
var ErrLocked = errors.New("project is locked by another scan")

// ErrUnknownProject is returned by Load for an ID with no project.yaml.
var ErrUnknownProject = errors.New("unknown project")

const (
	metaFile     = "project.yaml"
	storeFile    = "inventory.db"
	protocolFile = "protocol.yaml"
	lockFile     = "scan.lock"
)

// Project is one registered target directory.
type Project struct {
	ID    string `yaml:"-"     json:"id"`
	Root  string `yaml:"root"  json:"root"`
	Field string `yaml:"field" json:"field,omitempty"`

	dir string
}

// Dir is the project's state directory.
func (p *Project) Dir() string { return p.dir }

// StorePath is the inventory database location.
func (p *Project) StorePath() string { return filepath.Join(p.dir, storeFile) }

// ProtocolPath is the project protocol layer document.
func (p *Project) ProtocolPath() string { return filepath.Join(p.dir, protocolFile) }

var (
	slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)
	validID    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// IDFor derives the stable project ID of an absolute root: a readable slug
// of the base name plus a hash of the full path.
func IDFor(absRoot string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(filepath.Base(absRoot)), "-"), "-")
	if len(slug) > 32 {
		slug = strings.TrimRight(slug[:32], "-")
	}
	if slug == "" {
		slug = "root"
	}
	return fmt.Sprintf("%s-%016x", slug, xxhash.Sum64String(absRoot))
}

// Open registers root (creating the state directory and project.yaml on
// first use) and returns the project. An existing project keeps its stored
// field selection.
func Open(dataDir, root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %q: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	id := IDFor(abs)
	p, err := Load(dataDir, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrUnknownProject) {
		return nil, err
	}

	p = &Project{ID: id, Root: abs, dir: filepath.Join(dataDir, "projects", id)}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	if err := p.save(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads an already registered project by ID.
func Load(dataDir, id string) (*Project, error) {
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProject, id)
	}
	dir := filepath.Join(dataDir, "projects", id)
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read project %s: %w", id, err)
	}
	p := &Project{ID: id, dir: dir}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", id, err)
	}
	return p, nil
}

// List returns all registered projects ordered by ID.
func List(dataDir string) ([]*Project, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "projects"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var out []*Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := Load(dataDir, e.Name())
		if errors.Is(err, ErrUnknownProject) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetField records the selected field layer. An empty field clears it.
// Selecting a field is always an explicit user action.
func (p *Project) SetField(field string) error {
	if field != "" && !protocol.ValidFieldID(field) {
		return fmt.Errorf("invalid field id %q", field)
	}
	p.Field = field
	return p.save()
}

// save writes project.yaml atomically.
func (p *Project) save() error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	tmp, err := os.CreateTemp(p.dir, metaFile+".*")
	if err != nil {
		return fmt.Errorf("write project: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write project: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p.dir, metaFile)); err != nil {
		return fmt.Errorf("write project: %w", err)
	}
	return nil
}

// ProtocolLayer loads the project layer, or nil when the project has none.
func (p *Project) ProtocolLayer() (*protocol.Layer, error) {
	l, err := protocol.LoadFile(protocol.LayerProject, p.ProtocolPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Lock takes the cross-process scan lock without blocking. The returned
// func releases it.
func (p *Project) Lock() (unlock func() error, err error) {
	fl := flock.New(filepath.Join(p.dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock project %s: %w", p.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, p.ID)
	}
	return fl.Unlock, nil
}
