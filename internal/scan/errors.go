package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/eargollo/surveyor/internal/inventory"
)

// ErrorKind classifies a problem met during a scan.
type ErrorKind string

const (
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindIOError             ErrorKind = "io_error"
	KindDirectoryUnreadable ErrorKind = "directory_unreadable"
	KindStorePersistence    ErrorKind = "store_persistence_failure"
)

// ScanError is one recoverable error: the entry or subtree is skipped and
// the scan carries on.
type ScanError struct {
	Path string
	Kind ErrorKind
	Err  error
	At   time.Time
}

func (e *ScanError) Error() string {
	p := e.Path
	if p == "" {
		p = "."
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, p, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// PersistenceError is the only error that fails a scan. The store is left
// at its last successful commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", KindStorePersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Kind reports KindStorePersistence.
func (e *PersistenceError) Kind() ErrorKind { return KindStorePersistence }

func entryErrorKind(err error) ErrorKind {
	if errors.Is(err, fs.ErrPermission) {
		return KindPermissionDenied
	}
	return KindIOError
}

// errorLog keeps the first max errors and counts all of them.
type errorLog struct {
	max   int
	count int64
	kept  []ScanError
}

func (l *errorLog) add(e ScanError) {
	l.count++
	if e.Kind == KindDirectoryUnreadable {
		slog.Warn("directory unreadable, skipping subtree", "path", e.Path, "error", e.Err)
	} else {
		slog.Debug("skipping entry", "path", e.Path, "kind", e.Kind, "error", e.Err)
	}
	if len(l.kept) < l.max {
		l.kept = append(l.kept, e)
	}
}

func (l *errorLog) records() []inventory.ErrorRecord {
	out := make([]inventory.ErrorRecord, 0, len(l.kept))
	for _, e := range l.kept {
		out = append(out, inventory.ErrorRecord{
			Path:       e.Path,
			Kind:       string(e.Kind),
			Message:    e.Err.Error(),
			OccurredAt: e.At,
		})
	}
	return out
}
