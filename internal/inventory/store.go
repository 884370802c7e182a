package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eargollo/surveyor/internal/db"
	"github.com/eargollo/surveyor/internal/fingerprint"
)

// ErrScanInProgress is returned by BeginScan while another handle is open.
var ErrScanInProgress = errors.New("inventory: a scan is already writing to this store")

// ErrHandleClosed is returned when a handle is used after Commit or Abort.
var ErrHandleClosed = errors.New("inventory: scan handle is closed")

// ErrNotFound is returned by Get and LatestFingerprint when nothing matches.
var ErrNotFound = errors.New("inventory: not found")

// Scan statuses stored in the scans table.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// readerConns sizes the query pool.
const readerConns = 4

// Store is one project's inventory database. Writes go through a single
// connection; queries use a separate read-only pool and may run while a
// scan is writing, in which case they see rows upserted so far and no
// pruning yet.
type Store struct {
	path string
	w    *sql.DB
	r    *sql.DB
	now  func() time.Time

	mu     sync.Mutex
	active *Handle
}

// Open opens (creating if needed) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	w, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(w); err != nil {
		w.Close()
		return nil, err
	}
	r, err := db.OpenReader(path, readerConns)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Store{path: path, w: w, r: r, now: time.Now}, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.r.Close(), s.w.Close())
}

// ScanMeta describes a scan when it begins.
type ScanMeta struct {
	SessionID      string
	Root           string
	ProtocolDigest string
}

// Handle is the write capability for one scan. Only the scan that received
// it may write, and only until Commit or Abort.
type Handle struct {
	ID        int64
	SessionID string
	StartedAt time.Time

	written int64
	batches int64
	closed  bool
}

// Written returns the number of rows persisted through this handle.
func (h *Handle) Written() int64 { return h.written }

// Batches returns the number of committed batches.
func (h *Handle) Batches() int64 { return h.batches }

// BeginScan records a new scan and returns its write handle. Any scan rows
// still marked running belong to a process that died mid-scan and are
// marked failed first.
func (s *Store) BeginScan(ctx context.Context, meta ScanMeta) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrScanInProgress
	}

	now := s.now()
	res, err := s.w.ExecContext(ctx, `
		UPDATE scans SET status = ?, finished_at = ?, failure = 'interrupted'
		WHERE status = ?`,
		StatusFailed, now.Unix(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("mark interrupted scans: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked interrupted scans as failed", "store", s.path, "count", n)
	}

	res, err = s.w.ExecContext(ctx, `
		INSERT INTO scans (session_id, root, protocol_digest, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		meta.SessionID, meta.Root, meta.ProtocolDigest, StatusRunning, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert scan record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scan record id: %w", err)
	}

	h := &Handle{ID: id, SessionID: meta.SessionID, StartedAt: now}
	s.active = h
	return h, nil
}

func (s *Store) checkHandle(h *Handle) error {
	if h == nil || h.closed || s.active != h {
		return ErrHandleClosed
	}
	return nil
}

// UpsertBatch writes entries in a single transaction and stamps them as seen
// by h. A failure leaves the store exactly as it was before the call.
func (s *Store) UpsertBatch(ctx context.Context, h *Handle, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHandle(h); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries
			(relative_path, parent_path, is_dir, size_bytes, mtime_ns, extension, last_seen_scan_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (relative_path) DO UPDATE SET
			parent_path       = excluded.parent_path,
			is_dir            = excluded.is_dir,
			size_bytes        = excluded.size_bytes,
			mtime_ns          = excluded.mtime_ns,
			extension         = excluded.extension,
			last_seen_scan_id = excluded.last_seen_scan_id`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.RelativePath, e.Parent(), e.IsDir, e.SizeBytes, e.ModTime.UnixNano(), e.Extension, h.ID,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", e.RelativePath, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scans
		SET entries_written = entries_written + ?, batches_committed = batches_committed + 1
		WHERE id = ?`, len(entries), h.ID); err != nil {
		return fmt.Errorf("update scan counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	h.written += int64(len(entries))
	h.batches++
	return nil
}

// ErrorRecord is one recoverable problem met during a scan.
type ErrorRecord struct {
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	Message    string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Outcome is what a scan hands to Commit.
type Outcome struct {
	Completed   bool
	Fingerprint fingerprint.Fingerprint
	FilesSeen   int64
	BytesSeen   int64
	ErrorCount  int64
	Errors      []ErrorRecord
}

// CommitStats reports what Commit changed.
type CommitStats struct {
	RowsPruned int64
}

// Commit closes h. When the scan completed, rows it did not touch are
// deleted; a cancelled scan prunes nothing and keeps whatever older rows
// exist. Either way the fingerprint snapshot, scan record and error list
// are written in the same transaction.
func (s *Store) Commit(ctx context.Context, h *Handle, o Outcome) (CommitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHandle(h); err != nil {
		return CommitStats{}, err
	}

	var stats CommitStats
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	status := StatusCancelled
	if o.Completed {
		status = StatusCompleted
		res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE last_seen_scan_id <> ?`, h.ID)
		if err != nil {
			return stats, fmt.Errorf("prune stale entries: %w", err)
		}
		stats.RowsPruned, _ = res.RowsAffected()
	}

	if err := saveFingerprint(ctx, tx, o.Fingerprint); err != nil {
		return stats, err
	}

	if len(o.Errors) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO scan_errors (scan_id, path, kind, error, occurred_at)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return stats, fmt.Errorf("prepare scan error insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range o.Errors {
			if _, err := stmt.ExecContext(ctx, h.ID, e.Path, e.Kind, e.Message, e.OccurredAt.Unix()); err != nil {
				return stats, fmt.Errorf("insert scan error: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scans
		SET status = ?, finished_at = ?, files_seen = ?, bytes_seen = ?,
		    errors = ?, rows_pruned = ?
		WHERE id = ?`,
		status, s.now().Unix(), o.FilesSeen, o.BytesSeen,
		o.ErrorCount, stats.RowsPruned, h.ID); err != nil {
		return stats, fmt.Errorf("finalise scan record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit scan: %w", err)
	}
	h.closed = true
	s.active = nil
	return stats, nil
}

// Abort closes h after a fatal error. Entry rows keep their last committed
// state; the scan record is marked failed on a best-effort basis.
func (s *Store) Abort(ctx context.Context, h *Handle, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkHandle(h); err != nil {
		return nil
	}
	h.closed = true
	s.active = nil

	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	if _, err := s.w.ExecContext(ctx, `
		UPDATE scans SET status = ?, finished_at = ?, failure = ? WHERE id = ?`,
		StatusFailed, s.now().Unix(), msg, h.ID); err != nil {
		return fmt.Errorf("mark scan failed: %w", err)
	}
	return nil
}

func saveFingerprint(ctx context.Context, tx *sql.Tx, fp fingerprint.Fingerprint) error {
	exts, err := json.Marshal(fp.ExtensionHistogram)
	if err != nil {
		return fmt.Errorf("encode extension histogram: %w", err)
	}
	kinds, err := json.Marshal(fp.KindHistogram)
	if err != nil {
		return fmt.Errorf("encode kind histogram: %w", err)
	}
	sample := fp.PathSample
	if sample == nil {
		sample = []string{}
	}
	paths, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode path sample: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fingerprint_snapshot
			(id, scan_id, generated_at, is_partial, total_files, total_size_bytes,
			 extension_histogram, kind_histogram, path_sample, primary_file)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scan_id             = excluded.scan_id,
			generated_at        = excluded.generated_at,
			is_partial          = excluded.is_partial,
			total_files         = excluded.total_files,
			total_size_bytes    = excluded.total_size_bytes,
			extension_histogram = excluded.extension_histogram,
			kind_histogram      = excluded.kind_histogram,
			path_sample         = excluded.path_sample,
			primary_file        = excluded.primary_file`,
		fp.ScanID, fp.GeneratedAt.UnixNano(), fp.IsPartial, fp.TotalFiles, fp.TotalSizeBytes,
		string(exts), string(kinds), string(paths), fp.PrimaryFile)
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// LatestFingerprint returns the most recently committed fingerprint, or
// ErrNotFound before the first commit.
func (s *Store) LatestFingerprint(ctx context.Context) (fingerprint.Fingerprint, error) {
	var (
		fp                  fingerprint.Fingerprint
		generatedAt         int64
		exts, kinds, sample string
	)
	err := s.r.QueryRowContext(ctx, `
		SELECT scan_id, generated_at, is_partial, total_files, total_size_bytes,
		       extension_histogram, kind_histogram, path_sample, primary_file
		FROM fingerprint_snapshot WHERE id = 1`,
	).Scan(&fp.ScanID, &generatedAt, &fp.IsPartial, &fp.TotalFiles, &fp.TotalSizeBytes,
		&exts, &kinds, &sample, &fp.PrimaryFile)
	if errors.Is(err, sql.ErrNoRows) {
		return fp, ErrNotFound
	}
	if err != nil {
		return fp, fmt.Errorf("load fingerprint: %w", err)
	}
	fp.GeneratedAt = time.Unix(0, generatedAt).UTC()
	if err := json.Unmarshal([]byte(exts), &fp.ExtensionHistogram); err != nil {
		return fp, fmt.Errorf("decode extension histogram: %w", err)
	}
	if err := json.Unmarshal([]byte(kinds), &fp.KindHistogram); err != nil {
		return fp, fmt.Errorf("decode kind histogram: %w", err)
	}
	if err := json.Unmarshal([]byte(sample), &fp.PathSample); err != nil {
		return fp, fmt.Errorf("decode path sample: %w", err)
	}
	return fp, nil
}
