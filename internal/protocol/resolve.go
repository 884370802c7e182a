package protocol

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/eargollo/surveyor/internal/pathmatch"
)

// Effective is the merged protocol for one scan. It is read-only and safe to
// share between goroutines.
type Effective struct {
	patterns     []string
	instructions []string
	layers       []LayerName
	matcher      *pathmatch.Matcher
	digest       string
}

// Resolve merges the layers in System, User, Field, Project order.
// Instructions are concatenated and deduplicated by exact string, keeping the
// first occurrence, so a later layer can repeat an instruction but never
// drop one. Patterns are unioned. A nil field or project layer contributes
// nothing.
func Resolve(system, user Layer, field, project *Layer) (*Effective, error) {
	layers := []Layer{system, user}
	if field != nil {
		layers = append(layers, *field)
	}
	if project != nil {
		layers = append(layers, *project)
	}

	want := []LayerName{LayerSystem, LayerUser}
	if field != nil {
		want = append(want, LayerField)
	}
	if project != nil {
		want = append(want, LayerProject)
	}
	for i, l := range layers {
		if l.name != want[i] {
			return nil, fmt.Errorf("resolve protocol: expected %s layer, got %q", want[i], l.name)
		}
	}

	e := &Effective{}
	seenPattern := map[string]struct{}{}
	seenInstruction := map[string]struct{}{}
	for _, l := range layers {
		e.layers = append(e.layers, l.name)
		for _, p := range l.patterns {
			if _, dup := seenPattern[p]; dup {
				continue
			}
			seenPattern[p] = struct{}{}
			e.patterns = append(e.patterns, p)
		}
		for _, s := range l.instructions {
			if _, dup := seenInstruction[s]; dup {
				continue
			}
			seenInstruction[s] = struct{}{}
			e.instructions = append(e.instructions, s)
		}
	}

	m, err := pathmatch.Compile(e.patterns)
	if err != nil {
		return nil, fmt.Errorf("resolve protocol: %w", err)
	}
	e.matcher = m
	e.digest = digest(e.patterns, e.instructions)
	return e, nil
}

// Patterns returns the merged exclusion patterns.
func (e *Effective) Patterns() []string { return slices.Clone(e.patterns) }

// Instructions returns the merged, deduplicated instructions. Consumers
// treat them as opaque text.
func (e *Effective) Instructions() []string { return slices.Clone(e.instructions) }

// Layers lists the layers that took part in the merge.
func (e *Effective) Layers() []LayerName { return slices.Clone(e.layers) }

// Excludes reports whether rel is excluded by the hidden-path rule or any
// merged pattern.
func (e *Effective) Excludes(rel string) bool { return e.matcher.Matches(rel) }

// Digest is a stable hash of the merged patterns and instructions. Two
// resolutions of identical layers have the same digest.
func (e *Effective) Digest() string { return e.digest }

func digest(patterns, instructions []string) string {
	h := xxhash.New()
	var n [8]byte
	write := func(list []string) {
		binary.LittleEndian.PutUint64(n[:], uint64(len(list)))
		h.Write(n[:])
		for _, s := range list {
			binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
			h.Write(n[:])
			h.WriteString(s)
		}
	}
	write(patterns)
	write(instructions)
	return fmt.Sprintf("%016x", h.Sum64())
}
