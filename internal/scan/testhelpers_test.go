package scan

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/surveyor/internal/fingerprint"
	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/protocol"
)

// mustOpenStore opens a temp-file inventory with the full schema applied.
func mustOpenStore(tb testing.TB) *inventory.Store {
	tb.Helper()
	s, err := inventory.Open(filepath.Join(tb.TempDir(), "inventory.db"))
	require.NoError(tb, err)
	tb.Cleanup(func() { s.Close() })
	return s
}

// newMemFS builds an in-memory tree. Keys ending in "/" are empty
// directories; other keys are files of the given size.
func newMemFS(tb testing.TB, tree map[string]int) billy.Filesystem {
	tb.Helper()
	mfs := memfs.New()
	for p, size := range tree {
		full := "/" + strings.TrimPrefix(p, "/")
		if strings.HasSuffix(full, "/") {
			require.NoError(tb, mfs.MkdirAll(full, 0o755))
			continue
		}
		require.NoError(tb, util.WriteFile(mfs, full, make([]byte, size), 0o644))
	}
	return mfs
}

// mustResolve builds an effective protocol whose only patterns are given.
func mustResolve(tb testing.TB, patterns ...string) *protocol.Effective {
	tb.Helper()
	user, err := protocol.NewLayer(protocol.LayerUser, "test", patterns, nil)
	require.NoError(tb, err)
	eff, err := protocol.Resolve(protocol.EmptyLayer(protocol.LayerSystem), user, nil, nil)
	require.NoError(tb, err)
	return eff
}

func testOptions() Options {
	return Options{
		BatchSize:         100,
		BatchInterval:     -1,
		ProgressInterval:  100 * time.Millisecond,
		SampleSize:        20,
		MaxRecordedErrors: 10,
	}
}

func runScan(tb testing.TB, fsys FS, store Store, proto *protocol.Effective, opts Options) Result {
	tb.Helper()
	res, err := New(Target{ProjectID: "p", Root: "/test", FS: fsys, Store: store}, proto, opts).
		Run(context.Background(), nil)
	require.NoError(tb, err)
	return res
}

func storedPaths(tb testing.TB, s *inventory.Store, f inventory.Filter) []string {
	tb.Helper()
	entries, err := inventory.Collect(s.Query(context.Background(), f))
	require.NoError(tb, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RelativePath)
	}
	return out
}

// countingFS records every path passed to ReadDir and Lstat.
type countingFS struct {
	FS
	mu      sync.Mutex
	readDir []string
	lstat   []string
}

func (c *countingFS) ReadDir(name string) ([]fs.DirEntry, error) {
	c.mu.Lock()
	c.readDir = append(c.readDir, name)
	c.mu.Unlock()
	return c.FS.ReadDir(name)
}

func (c *countingFS) Lstat(name string) (fs.FileInfo, error) {
	c.mu.Lock()
	c.lstat = append(c.lstat, name)
	c.mu.Unlock()
	return c.FS.Lstat(name)
}

// touched returns every path under prefix (inclusive) that saw any I/O.
func (c *countingFS) touched(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range append(append([]string{}, c.readDir...), c.lstat...) {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			out = append(out, p)
		}
	}
	return out
}

// faultFS injects errors for chosen paths.
type faultFS struct {
	FS
	readDirErr map[string]error
	lstatErr   map[string]error
}

func (f faultFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if err, ok := f.readDirErr[name]; ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return f.FS.ReadDir(name)
}

func (f faultFS) Lstat(name string) (fs.FileInfo, error) {
	if err, ok := f.lstatErr[name]; ok {
		return nil, &fs.PathError{Op: "lstat", Path: name, Err: err}
	}
	return f.FS.Lstat(name)
}

// blockingFS holds the first ReadDir of the root until release is closed.
type blockingFS struct {
	FS
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFS(inner FS) *blockingFS {
	return &blockingFS{FS: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name == "" {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.FS.ReadDir(name)
}

// failingStore fails the failAt-th UpsertBatch call.
type failingStore struct {
	*inventory.Store
	mu     sync.Mutex
	calls  int
	failAt int
}

var errDiskFull = errors.New("database or disk is full")

func (f *failingStore) UpsertBatch(ctx context.Context, h *inventory.Handle, entries []inventory.Entry) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return f.Store.UpsertBatch(ctx, h, entries)
}

// discardStore accepts everything and keeps nothing.
type discardStore struct {
	mu      sync.Mutex
	entries int64
}

func (d *discardStore) BeginScan(context.Context, inventory.ScanMeta) (*inventory.Handle, error) {
	return &inventory.Handle{ID: 1}, nil
}

func (d *discardStore) UpsertBatch(_ context.Context, _ *inventory.Handle, entries []inventory.Entry) error {
	d.mu.Lock()
	d.entries += int64(len(entries))
	d.mu.Unlock()
	return nil
}

func (d *discardStore) Commit(context.Context, *inventory.Handle, inventory.Outcome) (inventory.CommitStats, error) {
	return inventory.CommitStats{}, nil
}

func (d *discardStore) Abort(context.Context, *inventory.Handle, error) error { return nil }

func (d *discardStore) LatestFingerprint(context.Context) (fingerprint.Fingerprint, error) {
	return fingerprint.Fingerprint{}, inventory.ErrNotFound
}

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// synthFS is a generated tree of dirs×files zero-byte files that never
// touches memory per file beyond the entries it returns.
type synthFS struct {
	dirs  []fs.DirEntry
	files []fs.DirEntry
}

func newSynthFS(dirs, filesPerDir int) *synthFS {
	s := &synthFS{}
	for i := 0; i < dirs; i++ {
		s.dirs = append(s.dirs, synthEntry{name: synthName("d", i), dir: true})
	}
	for i := 0; i < filesPerDir; i++ {
		s.files = append(s.files, synthEntry{name: synthName("f", i) + ".dat"})
	}
	return s
}

func synthName(prefix string, i int) string {
	const digits = "0123456789"
	b := []byte(prefix + "000000")
	for j := len(b) - 1; j >= len(prefix); j-- {
		b[j] = digits[i%10]
		i /= 10
	}
	return string(b)
}

func (s *synthFS) ReadDir(name string) ([]fs.DirEntry, error) {
	if name == "" {
		return s.dirs, nil
	}
	return s.files, nil
}

func (s *synthFS) Lstat(name string) (fs.FileInfo, error) {
	return synthEntry{name: filepath.Base(name), dir: !strings.Contains(name, "/")}, nil
}

type synthEntry struct {
	name string
	dir  bool
}

func (e synthEntry) Name() string               { return e.name }
func (e synthEntry) IsDir() bool                { return e.dir }
func (e synthEntry) Info() (fs.FileInfo, error) { return e, nil }
func (e synthEntry) Size() int64                { return 0 }
func (e synthEntry) ModTime() time.Time         { return time.Unix(1_700_000_000, 0) }
func (e synthEntry) Sys() any                   { return nil }

func (e synthEntry) Type() fs.FileMode { return e.Mode().Type() }

func (e synthEntry) Mode() fs.FileMode {
	if e.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
