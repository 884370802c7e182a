package protocol

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownField is returned when the selected field has no layer document.
var ErrUnknownField = errors.New("unknown field protocol")

//go:embed system.yaml
var systemYAML []byte

// document is the on-disk shape of one layer.
type document struct {
	ExcludePatterns []string `yaml:"exclude_patterns"`
	Instructions    []string `yaml:"instructions"`
}

var systemLayer = sync.OnceValues(func() (Layer, error) {
	return decodeLayer(LayerSystem, "builtin", bytes.NewReader(systemYAML))
})

// System returns the compiled-in defaults.
func System() Layer {
	l, err := systemLayer()
	if err != nil {
		// The document is embedded and covered by tests.
		panic(fmt.Sprintf("protocol: builtin system layer: %v", err))
	}
	return l
}

var fieldIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidFieldID reports whether id can name a field layer document.
func ValidFieldID(id string) bool {
	return fieldIDPattern.MatchString(id) && id != "." && id != ".."
}

// Loader reads the global User and Field layer documents from a directory:
//
//	<dir>/user.yaml
//	<dir>/fields/<field>.yaml
type Loader struct {
	Dir string
}

// UserPath returns the location of the user layer document.
func (l Loader) UserPath() string { return filepath.Join(l.Dir, "user.yaml") }

// FieldPath returns the location of a field layer document.
func (l Loader) FieldPath(field string) string {
	return filepath.Join(l.Dir, "fields", field+".yaml")
}

// User loads the user layer. A missing document yields an empty layer.
func (l Loader) User() (Layer, error) {
	layer, err := LoadFile(LayerUser, l.UserPath())
	if errors.Is(err, os.ErrNotExist) {
		return EmptyLayer(LayerUser), nil
	}
	return layer, err
}

// Field loads the named field layer. Unlike the user layer, a selected field
// that has no document is an error rather than a silent no-op.
func (l Loader) Field(field string) (Layer, error) {
	if !ValidFieldID(field) {
		return Layer{}, fmt.Errorf("%w: invalid field id %q", ErrUnknownField, field)
	}
	layer, err := LoadFile(LayerField, l.FieldPath(field))
	if errors.Is(err, os.ErrNotExist) {
		return Layer{}, fmt.Errorf("%w: %q (expected %s)", ErrUnknownField, field, l.FieldPath(field))
	}
	return layer, err
}

// Fields lists the field ids that have a layer document.
func (l Loader) Fields() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Dir, "fields"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list field protocols: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".yaml" {
			continue
		}
		id := name[:len(name)-len(".yaml")]
		if ValidFieldID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LoadFile reads one layer document. The returned error wraps
// os.ErrNotExist when the file is absent.
func LoadFile(name LayerName, path string) (Layer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layer{}, fmt.Errorf("open %s protocol %q: %w", name, path, err)
	}
	defer f.Close()
	return decodeLayer(name, path, f)
}

func decodeLayer(name LayerName, source string, r io.Reader) (Layer, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Layer{}, fmt.Errorf("parse %s protocol %q: %w", name, source, err)
	}
	return NewLayer(name, source, doc.ExcludePatterns, doc.Instructions)
}

// WriteFile stores a layer as a YAML document. It is used for the user and
// project layers, which live outside any scanned tree.
func WriteFile(path string, l Layer) error {
	doc := document{ExcludePatterns: l.patterns, Instructions: l.instructions}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s protocol: %w", l.name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create protocol dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".protocol-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp protocol: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write protocol: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close protocol: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename protocol into place: %w", err)
	}
	return nil
}
