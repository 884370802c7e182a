package scan

import (
	"context"
	"path"

	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/pathmatch"
)

// dirQueue is the FIFO of directories still to enumerate. Only the scan
// goroutine touches it, so it needs no locking; it exists to keep the
// backing array from growing with the total number of directories ever
// visited.
type dirQueue struct {
	items []string
	head  int // index of the next item to pop; avoids O(n) re-slicing
}

func (q *dirQueue) Push(dir string) { q.items = append(q.items, dir) }

// Pop returns ("", false) when the queue is empty.
func (q *dirQueue) Pop() (string, bool) {
	if q.head >= len(q.items) {
		return "", false
	}
	item := q.items[q.head]
	q.items[q.head] = "" // release string reference so GC can collect it
	q.head++
	// Compact once at least 1 000 items are consumed and head has passed
	// the midpoint.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *dirQueue) Len() int { return len(q.items) - q.head }

// walkStats counts what the walk saw beyond the entries it emitted.
type walkStats struct {
	Dirs     int64
	Files    int64
	Bytes    int64
	Excluded int64 // hidden or matched by the protocol, never stat'ed
	Skipped  int64 // symlinks, devices, sockets, pipes
}

// walk enumerates the tree breadth first and calls emit for every entry
// that survives the hidden rule and the protocol. Cancellation is checked
// only between directories. walk stops early and returns emit's error if
// emit fails; it reports whether the walk was cut short by ctx.
func (s *Scanner) walk(ctx context.Context, emit func(inventory.Entry) error) (cancelled bool, err error) {
	var q dirQueue
	q.Push("")

	for {
		dir, ok := q.Pop()
		if !ok {
			return false, nil
		}
		if ctx.Err() != nil {
			return true, nil
		}
		s.current = dir

		children, err := s.fsys.ReadDir(dir)
		if err != nil {
			if dir == "" {
				return false, &ScanError{Path: dir, Kind: KindDirectoryUnreadable, Err: err, At: s.now()}
			}
			s.errs.add(ScanError{Path: dir, Kind: KindDirectoryUnreadable, Err: err, At: s.now()})
			continue
		}
		s.stats.Dirs++

		for _, child := range children {
			name := child.Name()
			rel := name
			if dir != "" {
				rel = path.Join(dir, name)
			}

			// Prune before any I/O on the child.
			if pathmatch.IsHiddenName(name) || s.excludes(rel) {
				s.stats.Excluded++
				continue
			}
			if !child.IsDir() && !child.Type().IsRegular() {
				s.stats.Skipped++
				continue
			}

			info, err := s.fsys.Lstat(rel)
			if err != nil {
				s.errs.add(ScanError{Path: rel, Kind: entryErrorKind(err), Err: err, At: s.now()})
				continue
			}
			// The entry may have been swapped for a link since ReadDir.
			if mode := info.Mode(); !mode.IsDir() && !mode.IsRegular() {
				s.stats.Skipped++
				continue
			}

			e, err := inventory.NewEntry(rel, info.IsDir(), info.Size(), info.ModTime())
			if err != nil {
				s.errs.add(ScanError{Path: rel, Kind: KindIOError, Err: err, At: s.now()})
				continue
			}
			if err := emit(e); err != nil {
				return false, err
			}
			if e.IsDir {
				q.Push(rel)
			} else {
				s.stats.Files++
				s.stats.Bytes += e.SizeBytes
			}
			s.progress.tick(s.event(false))
		}
	}
}

func (s *Scanner) excludes(rel string) bool {
	return s.proto != nil && s.proto.Excludes(rel)
}
