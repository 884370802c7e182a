// Package fingerprint builds the compact structural summary of a project
// from the scan stream.
package fingerprint

import (
	"math/rand/v2"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/eargollo/surveyor/internal/filetype"
)

// DefaultSampleSize bounds Fingerprint.PathSample when no size is given.
const DefaultSampleSize = 100

// Fingerprint is an immutable summary of one scan. A new scan produces a new
// value; nothing mutates a returned Fingerprint.
type Fingerprint struct {
	ScanID             int64          `json:"scan_id"`
	TotalFiles         int64          `json:"total_files"`
	TotalSizeBytes     int64          `json:"total_size_bytes"`
	ExtensionHistogram map[string]int `json:"extension_histogram"`
	KindHistogram      map[string]int `json:"kind_histogram"`
	PathSample         []string       `json:"path_sample"`
	PrimaryFile        string         `json:"primary_file_candidate,omitempty"`
	IsPartial          bool           `json:"is_partial"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// HasPrimaryFile reports whether a primary-file candidate was found.
func (f Fingerprint) HasPrimaryFile() bool { return f.PrimaryFile != "" }

// Builder accumulates fingerprint statistics. It is not safe for concurrent
// use; the scanner feeds it from a single goroutine.
type Builder struct {
	sampleSize int
	rng        *rand.Rand
	now        func() time.Time

	files   int64
	bytes   int64
	seen    int64 // entries offered to the reservoir
	exts    map[string]int
	kinds   map[string]int
	sample  []string
	primary candidate
}

// NewBuilder returns a Builder keeping at most sampleSize sampled paths.
// rng may be nil, in which case a randomly seeded source is used.
func NewBuilder(sampleSize int, rng *rand.Rand) *Builder {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Builder{
		sampleSize: sampleSize,
		rng:        rng,
		now:        time.Now,
		exts:       make(map[string]int),
		kinds:      make(map[string]int),
	}
}

// Observe records one inventory entry. Directories only feed the path sample.
func (b *Builder) Observe(rel string, isDir bool, size int64) {
	b.offer(rel)
	if isDir {
		return
	}

	b.files++
	b.bytes += size
	ext := filetype.Ext(rel)
	b.exts[ext]++
	b.kinds[string(filetype.Detect(ext))]++

	if c, ok := score(rel, ext); ok && c.beats(b.primary) {
		b.primary = c
	}
}

// offer runs one step of reservoir sampling (Algorithm R).
func (b *Builder) offer(rel string) {
	b.seen++
	if len(b.sample) < b.sampleSize {
		b.sample = append(b.sample, rel)
		return
	}
	if j := b.rng.Int64N(b.seen); j < int64(b.sampleSize) {
		b.sample[j] = rel
	}
}

// Build snapshots the accumulated statistics. partial marks a cancelled scan.
// The Builder may keep observing afterwards without affecting the snapshot.
func (b *Builder) Build(scanID int64, partial bool) Fingerprint {
	sample := slices.Clone(b.sample)
	slices.Sort(sample)

	exts := make(map[string]int, len(b.exts))
	for k, v := range b.exts {
		exts[k] = v
	}
	kinds := make(map[string]int, len(b.kinds))
	for k, v := range b.kinds {
		kinds[k] = v
	}

	return Fingerprint{
		ScanID:             scanID,
		TotalFiles:         b.files,
		TotalSizeBytes:     b.bytes,
		ExtensionHistogram: exts,
		KindHistogram:      kinds,
		PathSample:         sample,
		PrimaryFile:        b.primary.path,
		IsPartial:          partial,
		GeneratedAt:        b.now().UTC(),
	}
}

// Primary-file scoring. Only recognised text documents are eligible:
//
//	score = format weight
//	      + 40 if the stem is a manuscript word, 20 if it contains one
//	      + 10 if the parent folder is a writing folder
//	      - 6 per directory level
//
// Ties go to the shorter path, then the lexicographically smaller one.
var manuscriptWords = []string{
	"manuscript", "paper", "main", "thesis", "dissertation",
	"article", "draft", "preprint", "report", "proposal",
}

var writingFolders = map[string]bool{
	"paper": true, "papers": true, "manuscript": true, "draft": true,
	"drafts": true, "tex": true, "latex": true, "writing": true,
	"doc": true, "docs": true, "thesis": true, "submission": true,
}

const depthPenalty = 6

type candidate struct {
	path  string
	score int
}

func score(rel, ext string) (candidate, bool) {
	weight := filetype.DocumentWeight(ext)
	if weight == 0 {
		return candidate{}, false
	}
	s := weight

	base := path.Base(rel)
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	for _, w := range manuscriptWords {
		if stem == w {
			s += 40
			break
		}
		if strings.Contains(stem, w) {
			s += 20
			break
		}
	}

	dir := path.Dir(rel)
	if dir != "." && writingFolders[strings.ToLower(path.Base(dir))] {
		s += 10
	}
	s -= depthPenalty * strings.Count(rel, "/")

	return candidate{path: rel, score: s}, true
}

func (c candidate) beats(other candidate) bool {
	switch {
	case other.path == "":
		return true
	case c.score != other.score:
		return c.score > other.score
	case len(c.path) != len(other.path):
		return len(c.path) < len(other.path)
	default:
		return c.path < other.path
	}
}
