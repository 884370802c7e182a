package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	// Prefix limits results to a path and everything beneath it, matched on
	// whole segments ("data" never matches "data2/x").
	Prefix string
	// Extensions matches any of the given lower-case extensions, without dot.
	Extensions []string
	// OnlyFiles and OnlyDirs are mutually exclusive.
	OnlyFiles bool
	OnlyDirs  bool
	MinSize   int64
	MaxSize   int64
	// ModifiedAfter and ModifiedBefore bound the entry's mtime.
	ModifiedAfter  time.Time
	ModifiedBefore time.Time
	Limit          int
	Offset         int
}

func (f Filter) where() (string, []any, error) {
	if f.OnlyFiles && f.OnlyDirs {
		return "", nil, errors.New("inventory filter: OnlyFiles and OnlyDirs are mutually exclusive")
	}
	var (
		conds []string
		args  []any
	)
	if p := strings.Trim(f.Prefix, "/"); p != "" {
		// '0' sorts right after '/', bounding the subtree range.
		conds = append(conds, "(relative_path = ? OR (relative_path >= ? AND relative_path < ?))")
		args = append(args, p, p+"/", p+"0")
	}
	if len(f.Extensions) > 0 {
		marks := make([]string, len(f.Extensions))
		for i, ext := range f.Extensions {
			marks[i] = "?"
			args = append(args, strings.ToLower(strings.TrimPrefix(ext, ".")))
		}
		conds = append(conds, "extension IN ("+strings.Join(marks, ", ")+")")
	}
	if f.OnlyFiles {
		conds = append(conds, "is_dir = 0")
	}
	if f.OnlyDirs {
		conds = append(conds, "is_dir = 1")
	}
	if f.MinSize > 0 {
		conds = append(conds, "size_bytes >= ?")
		args = append(args, f.MinSize)
	}
	if f.MaxSize > 0 {
		conds = append(conds, "size_bytes <= ?")
		args = append(args, f.MaxSize)
	}
	if !f.ModifiedAfter.IsZero() {
		conds = append(conds, "mtime_ns >= ?")
		args = append(args, f.ModifiedAfter.UnixNano())
	}
	if !f.ModifiedBefore.IsZero() {
		conds = append(conds, "mtime_ns < ?")
		args = append(args, f.ModifiedBefore.UnixNano())
	}
	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Query streams matching entries ordered by relative path. Rows are read
// lazily; stopping the iteration early releases the cursor.
func (s *Store) Query(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		where, args, err := f.where()
		if err != nil {
			yield(Entry{}, err)
			return
		}
		q := `SELECT relative_path, is_dir, size_bytes, mtime_ns, extension FROM entries` +
			where + ` ORDER BY relative_path`
		if f.Limit > 0 {
			q += ` LIMIT ? OFFSET ?`
			args = append(args, f.Limit, f.Offset)
		} else if f.Offset > 0 {
			q += ` LIMIT -1 OFFSET ?`
			args = append(args, f.Offset)
		}

		rows, err := s.r.QueryContext(ctx, q, args...)
		if err != nil {
			yield(Entry{}, fmt.Errorf("query entries: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("iterate entries: %w", err))
		}
	}
}

// Collect drains a Query into a slice.
func Collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns the number of entries matching f, ignoring Limit/Offset.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Get returns the entry at rel, or ErrNotFound.
func (s *Store) Get(ctx context.Context, rel string) (Entry, error) {
	row := s.r.QueryRowContext(ctx, `
		SELECT relative_path, is_dir, size_bytes, mtime_ns, extension
		FROM entries WHERE relative_path = ?`, rel)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e     Entry
		mtime int64
	)
	if err := r.Scan(&e.RelativePath, &e.IsDir, &e.SizeBytes, &mtime, &e.Extension); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan entry row: %w", err)
	}
	e.ModTime = time.Unix(0, mtime).UTC()
	return e, nil
}

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ID               int64      `json:"id"`
	SessionID        string     `json:"session_id"`
	Root             string     `json:"root"`
	ProtocolDigest   string     `json:"protocol_digest"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	FilesSeen        int64      `json:"files_seen"`
	BytesSeen        int64      `json:"bytes_seen"`
	EntriesWritten   int64      `json:"entries_written"`
	BatchesCommitted int64      `json:"batches_committed"`
	Errors           int64      `json:"errors"`
	RowsPruned       int64      `json:"rows_pruned"`
	Failure          string     `json:"failure,omitempty"`
}

// Scans returns scan history, newest first.
func (s *Store) Scans(ctx context.Context, limit, offset int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.r.QueryContext(ctx, `
		SELECT id, session_id, root, protocol_digest, status, started_at, finished_at,
		       files_seen, bytes_seen, entries_written, batches_committed,
		       errors, rows_pruned, failure
		FROM scans
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var (
			r          ScanRecord
			startedAt  int64
			finishedAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Root, &r.ProtocolDigest, &r.Status,
			&startedAt, &finishedAt, &r.FilesSeen, &r.BytesSeen, &r.EntriesWritten,
			&r.BatchesCommitted, &r.Errors, &r.RowsPruned, &r.Failure); err != nil {
			return nil, fmt.Errorf("scan scans row: %w", err)
		}
		r.StartedAt = time.Unix(startedAt, 0).UTC()
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ScanErrors returns the recorded errors of one scan in occurrence order.
func (s *Store) ScanErrors(ctx context.Context, scanID int64) ([]ErrorRecord, error) {
	rows, err := s.r.QueryContext(ctx, `
		SELECT path, kind, error, occurred_at
		FROM scan_errors WHERE scan_id = ?
		ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query scan errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var (
			e  ErrorRecord
			at int64
		)
		if err := rows.Scan(&e.Path, &e.Kind, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		e.OccurredAt = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
