// Package protocol merges the ordered exclusion/instruction layers that
// govern a scan.
//
// There are four layers, highest precedence last: System (compiled in),
// User and Field (global, shared across projects) and Project (one target
// directory). A Field layer is only ever applied because the user selected
// it for the project; nothing here looks at file contents to pick one.
package protocol

import (
	"fmt"
	"slices"
	"strings"

	"github.com/eargollo/surveyor/internal/pathmatch"
)

// LayerName identifies a protocol layer and fixes its merge position.
type LayerName string

const (
	LayerSystem  LayerName = "system"
	LayerUser    LayerName = "user"
	LayerField   LayerName = "field"
	LayerProject LayerName = "project"
)

// rank gives the merge order.
func (n LayerName) rank() int {
	switch n {
	case LayerSystem:
		return 0
	case LayerUser:
		return 1
	case LayerField:
		return 2
	case LayerProject:
		return 3
	default:
		return -1
	}
}

// Valid reports whether n is one of the four known layers.
func (n LayerName) Valid() bool { return n.rank() >= 0 }

// Layer is one immutable source of exclusion patterns and instructions.
// Build it with NewLayer; accessors return copies.
type Layer struct {
	name         LayerName
	source       string
	patterns     []string
	instructions []string
}

// NewLayer validates and copies its inputs. Patterns are trimmed, compiled
// once to reject bad globs, and deduplicated keeping first occurrence.
// Blank instructions are dropped; the rest are kept verbatim and in order.
func NewLayer(name LayerName, source string, patterns, instructions []string) (Layer, error) {
	if !name.Valid() {
		return Layer{}, fmt.Errorf("unknown protocol layer %q", name)
	}

	var ps []string
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		ps = append(ps, p)
	}
	if _, err := pathmatch.Compile(ps); err != nil {
		return Layer{}, fmt.Errorf("%s layer (%s): %w", name, source, err)
	}

	var ins []string
	for _, s := range instructions {
		if strings.TrimSpace(s) == "" {
			continue
		}
		ins = append(ins, s)
	}

	return Layer{name: name, source: source, patterns: ps, instructions: ins}, nil
}

// EmptyLayer returns a layer that contributes nothing.
func EmptyLayer(name LayerName) Layer {
	return Layer{name: name}
}

// Name returns the layer's position in the merge.
func (l Layer) Name() LayerName { return l.name }

// Source describes where the layer was loaded from (a file path or
// "builtin").
func (l Layer) Source() string { return l.source }

// ExcludePatterns returns a copy of the layer's patterns in declared order.
func (l Layer) ExcludePatterns() []string { return slices.Clone(l.patterns) }

// Instructions returns a copy of the layer's instructions in declared order.
func (l Layer) Instructions() []string { return slices.Clone(l.instructions) }
