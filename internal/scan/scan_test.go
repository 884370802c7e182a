package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/surveyor/internal/inventory"
)

func TestExcludedDirectoryIsNeverTouched(t *testing.T) {
	for _, n := range []int{0, 1, 50} {
		t.Run(fmt.Sprintf("files=%d", n), func(t *testing.T) {
			tree := map[string]int{
				"data/":                1,
				"data/sub/deeper.csv":  4,
				"paper/manuscript.tex": 10,
			}
			for i := 0; i < n; i++ {
				tree[fmt.Sprintf("data/f%03d.csv", i)] = 8
			}
			cfs := &countingFS{FS: NewBillyFS(newMemFS(t, tree))}
			store := mustOpenStore(t)

			res := runScan(t, cfs, store, mustResolve(t, "data/**"), testOptions())

			assert.Empty(t, cfs.touched("data"), "no ReadDir or Lstat inside an excluded directory")
			assert.Equal(t, int64(1), res.Excluded)
			assert.Equal(t, int64(1), res.Fingerprint.TotalFiles)
		})
	}
}

func TestHiddenEntriesAreAlwaysExcluded(t *testing.T) {
	cfs := &countingFS{FS: NewBillyFS(newMemFS(t, map[string]int{
		".git/config":     10,
		".git/objects/ab": 10,
		".hidden.txt":     1,
		"src/.env":        1,
		"src/main.go":     100,
		"src/.cache/x":    1,
	}))}
	store := mustOpenStore(t)

	// No protocol at all: the hidden rule still applies.
	res := runScan(t, cfs, store, nil, testOptions())

	assert.Equal(t, []string{"src", "src/main.go"}, storedPaths(t, store, inventory.Filter{}))
	assert.Equal(t, int64(1), res.Fingerprint.TotalFiles)
	assert.Empty(t, cfs.touched(".git"))
	assert.Empty(t, cfs.touched("src/.cache"))
	assert.Equal(t, int64(4), res.Excluded)
}

func TestDataExcludedScenario(t *testing.T) {
	tree := map[string]int{"paper/manuscript.tex": 2048}
	for i := 0; i < 500; i++ {
		tree[fmt.Sprintf("data/run%02d/sample%03d.csv", i%10, i)] = 100
	}
	store := mustOpenStore(t)

	res := runScan(t, NewBillyFS(newMemFS(t, tree)), store, mustResolve(t, "data/**"), testOptions())

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(1), res.Fingerprint.TotalFiles)
	assert.Equal(t, int64(2048), res.Fingerprint.TotalSizeBytes)
	assert.Equal(t, "paper/manuscript.tex", res.Fingerprint.PrimaryFile)
	assert.False(t, res.Fingerprint.IsPartial)

	n, err := store.Count(context.Background(), inventory.Filter{Prefix: "data"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"paper", "paper/manuscript.tex"}, storedPaths(t, store, inventory.Filter{}))

	fp, err := store.LatestFingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Fingerprint.PrimaryFile, fp.PrimaryFile)
	assert.Equal(t, res.ScanID, fp.ScanID)
}

// fiveBatchTree holds 500 entries: the root lists 4 directories and 96
// files, and each directory holds 100 files. With batches of 100 the root
// fills batch one and each directory fills one more.
func fiveBatchTree() map[string]int {
	tree := map[string]int{}
	for i := 0; i < 96; i++ {
		tree[fmt.Sprintf("f%02d.txt", i)] = 10
	}
	for d := 0; d < 4; d++ {
		for i := 0; i < 100; i++ {
			tree[fmt.Sprintf("d%d/f%03d.txt", d, i)] = 1
		}
	}
	return tree
}

func TestCancelAfterTwoOfFiveBatches(t *testing.T) {
	mfs := newMemFS(t, fiveBatchTree())
	store := mustOpenStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := Target{ProjectID: "p", Root: "/test", FS: NewBillyFS(mfs), Store: store}
	sc := New(target, nil, testOptions())
	sc.afterFlush = func(flushes int) {
		if flushes == 2 {
			cancel()
		}
	}
	var final Event
	res, err := sc.Run(ctx, func(ev Event) {
		if ev.Final {
			final = ev
		}
	})
	require.NoError(t, err, "cancellation is a status, not an error")

	assert.Equal(t, StatusCancelled, res.Status)
	assert.True(t, res.Fingerprint.IsPartial)
	assert.Equal(t, int64(196), res.Fingerprint.TotalFiles)
	assert.Equal(t, int64(200), res.EntriesWritten)
	assert.True(t, final.Cancelled)

	// Immediately queryable, every row has a key.
	entries, err := inventory.Collect(store.Query(context.Background(), inventory.Filter{}))
	require.NoError(t, err)
	assert.Len(t, entries, 200)
	for _, e := range entries {
		assert.NotEmpty(t, e.RelativePath)
	}

	scans, err := store.Scans(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusCancelled, scans[0].Status)
	assert.Equal(t, int64(2), scans[0].BatchesCommitted)

	// A full scan replaces the partial inventory.
	full := runScan(t, NewBillyFS(mfs), store, nil, testOptions())
	assert.Equal(t, StatusCompleted, full.Status)
	assert.False(t, full.Fingerprint.IsPartial)
	assert.Equal(t, int64(496), full.Fingerprint.TotalFiles)
	assert.Len(t, storedPaths(t, store, inventory.Filter{}), 500)

	// Removing a directory prunes it and its contents.
	require.NoError(t, util.RemoveAll(mfs, "/d3"))
	again := runScan(t, NewBillyFS(mfs), store, nil, testOptions())
	assert.Equal(t, int64(101), again.RowsPruned)
	n, err := store.Count(context.Background(), inventory.Filter{Prefix: "d3"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, storedPaths(t, store, inventory.Filter{}), 399)
}

func TestRescanIsIdempotent(t *testing.T) {
	mfs := newMemFS(t, fiveBatchTree())
	store := mustOpenStore(t)

	first := runScan(t, NewBillyFS(mfs), store, nil, testOptions())
	rows1 := storedPaths(t, store, inventory.Filter{})
	second := runScan(t, NewBillyFS(mfs), store, nil, testOptions())
	rows2 := storedPaths(t, store, inventory.Filter{})

	assert.Equal(t, rows1, rows2)
	assert.Equal(t, first.Fingerprint.TotalFiles, second.Fingerprint.TotalFiles)
	assert.Equal(t, first.Fingerprint.TotalSizeBytes, second.Fingerprint.TotalSizeBytes)
	assert.Equal(t, first.Fingerprint.ExtensionHistogram, second.Fingerprint.ExtensionHistogram)
	assert.Zero(t, second.RowsPruned)
}

func TestProgressIsThrottled(t *testing.T) {
	dirs, perDir := 100, 10_000
	if testing.Short() {
		dirs = 10
	}
	clock := newFakeClock(time.Millisecond)
	opts := testOptions()
	opts.BatchSize = 5000

	sc := New(Target{ProjectID: "p", FS: newSynthFS(dirs, perDir), Store: &discardStore{}}, nil, opts)
	sc.now = clock.Now
	start := clock.Peek()

	var calls atomic.Int64
	var last atomic.Value
	res, err := sc.Run(context.Background(), func(ev Event) {
		calls.Add(1)
		last.Store(ev)
	})
	require.NoError(t, err)
	elapsed := clock.Peek().Sub(start)

	files := int64(dirs * perDir)
	assert.Equal(t, files, res.Fingerprint.TotalFiles)
	bound := int64(elapsed/opts.ProgressInterval) + 2
	assert.LessOrEqual(t, calls.Load(), bound, "elapsed %s", elapsed)
	assert.Less(t, calls.Load(), files/50, "callbacks must not scale with file count")

	final := last.Load().(Event)
	assert.True(t, final.Final)
	assert.Equal(t, files, final.FilesSeen)
}

func TestSlowConsumerDoesNotBlockScan(t *testing.T) {
	release := make(chan struct{})
	clock := newFakeClock(50 * time.Millisecond)
	sc := New(Target{ProjectID: "p", FS: newSynthFS(5, 200), Store: &discardStore{}}, nil, testOptions())
	sc.now = clock.Now

	var got []Event
	done := make(chan Result)
	go func() {
		res, _ := sc.Run(context.Background(), func(ev Event) {
			if len(got) == 0 {
				<-release
			}
			got = append(got, ev)
		})
		done <- res
	}()

	// The walk finishes its traversal while the consumer is stuck; only
	// the final hand-off waits for the pump.
	time.Sleep(50 * time.Millisecond)
	close(release)
	res := <-done
	assert.Equal(t, int64(1000), res.Fingerprint.TotalFiles)
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].Final)
	assert.LessOrEqual(t, len(got), 2, "stale events are replaced, not queued")
}

func TestRecoverableErrorsAreRecordedAndSkipped(t *testing.T) {
	mfs := newMemFS(t, map[string]int{
		"docs/ok.txt":     5,
		"docs/secret.txt": 5,
		"docs/bad.bin":    5,
		"locked/a.txt":    5,
		"locked/b.txt":    5,
		"top.md":          5,
	})
	fsys := faultFS{
		FS:         NewBillyFS(mfs),
		readDirErr: map[string]error{"locked": fs.ErrPermission},
		lstatErr: map[string]error{
			"docs/secret.txt": fs.ErrPermission,
			"docs/bad.bin":    errors.New("input/output error"),
		},
	}
	store := mustOpenStore(t)
	opts := testOptions()
	opts.MaxRecordedErrors = 2

	res := runScan(t, fsys, store, nil, opts)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(3), res.ErrorCount)
	require.Len(t, res.Errors, 2, "only the first errors are kept")
	kinds := map[ErrorKind]string{}
	for _, e := range res.Errors {
		kinds[e.Kind] = e.Path
	}
	assert.Equal(t, "docs/bad.bin", kinds[KindIOError])
	assert.Equal(t, "docs/secret.txt", kinds[KindPermissionDenied])
	assert.Equal(t, []string{"docs", "docs/ok.txt", "locked", "top.md"},
		storedPaths(t, store, inventory.Filter{}))

	scanErrs, err := store.ScanErrors(context.Background(), res.ScanID)
	require.NoError(t, err)
	assert.Len(t, scanErrs, 2)

	// With room for all of them the unreadable directory shows up too.
	opts.MaxRecordedErrors = 10
	res = runScan(t, fsys, store, nil, opts)
	var unreadable *ScanError
	for i := range res.Errors {
		if res.Errors[i].Kind == KindDirectoryUnreadable {
			unreadable = &res.Errors[i]
		}
	}
	require.NotNil(t, unreadable)
	assert.Equal(t, "locked", unreadable.Path)
	assert.ErrorIs(t, unreadable, fs.ErrPermission)
}

func TestUnreadableRootFailsWithoutPruning(t *testing.T) {
	mfs := newMemFS(t, map[string]int{"a.txt": 1})
	store := mustOpenStore(t)
	runScan(t, NewBillyFS(mfs), store, nil, testOptions())

	fsys := faultFS{FS: NewBillyFS(mfs), readDirErr: map[string]error{"": fs.ErrPermission}}
	res, err := New(Target{ProjectID: "p", FS: fsys, Store: store}, nil, testOptions()).
		Run(context.Background(), nil)

	var se *ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindDirectoryUnreadable, se.Kind)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(1), res.Fingerprint.TotalFiles, "last committed fingerprint")
	assert.Equal(t, []string{"a.txt"}, storedPaths(t, store, inventory.Filter{}))
}

func TestPersistenceFailureKeepsLastCommit(t *testing.T) {
	mfs := newMemFS(t, fiveBatchTree())
	store := mustOpenStore(t)
	first := runScan(t, NewBillyFS(mfs), store, nil, testOptions())

	require.NoError(t, util.RemoveAll(mfs, "/d0"))
	failing := &failingStore{Store: store, failAt: 2}
	res, err := New(Target{ProjectID: "p", FS: NewBillyFS(mfs), Store: failing}, nil, testOptions()).
		Run(context.Background(), nil)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, KindStorePersistence, perr.Kind())
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, first.ScanID, res.Fingerprint.ScanID)
	assert.Equal(t, first.Fingerprint.TotalFiles, res.Fingerprint.TotalFiles)

	// Nothing was pruned: d0 rows survive the failed scan.
	n, err := store.Count(context.Background(), inventory.Filter{Prefix: "d0"})
	require.NoError(t, err)
	assert.Equal(t, int64(101), n)

	scans, err := store.Scans(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusFailed, scans[0].Status)
	assert.Contains(t, scans[0].Failure, "disk is full")

	// The handle was released; the next scan runs normally.
	next := runScan(t, NewBillyFS(mfs), store, nil, testOptions())
	assert.Equal(t, int64(101), next.RowsPruned)
}

func TestReadersSeeBatchesBeforeCommit(t *testing.T) {
	old := map[string]int{}
	for i := 0; i < 50; i++ {
		old[fmt.Sprintf("old/f%03d.txt", i)] = 1
	}
	store := mustOpenStore(t)
	runScan(t, NewBillyFS(newMemFS(t, old)), store, nil, testOptions())

	ctx := context.Background()
	var counts []int64
	var staleVisible []bool
	sc := New(Target{ProjectID: "p", Root: "/test", FS: NewBillyFS(newMemFS(t, fiveBatchTree())), Store: store},
		nil, testOptions())
	sc.afterFlush = func(int) {
		n, err := store.Count(ctx, inventory.Filter{})
		require.NoError(t, err)
		counts = append(counts, n)
		_, err = store.Get(ctx, "old/f000.txt")
		staleVisible = append(staleVisible, err == nil)
	}
	res, err := sc.Run(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{151, 251, 351, 451, 551}, counts)
	assert.Equal(t, []bool{true, true, true, true, true}, staleVisible, "no pruning before commit")

	assert.Equal(t, int64(51), res.RowsPruned)
	n, err := store.Count(ctx, inventory.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	_, err = store.Get(ctx, "old/f000.txt")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}
