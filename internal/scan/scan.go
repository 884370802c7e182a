// Package scan walks a project tree read-only, applying the effective
// protocol while it goes, and feeds the inventory store and the fingerprint
// builder from that single pass.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/surveyor/internal/fingerprint"
	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/protocol"
)

// Status is the state of a scan.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Options tunes a scan.
type Options struct {
	BatchSize         int
	BatchInterval     time.Duration
	ProgressInterval  time.Duration
	SampleSize        int
	MaxRecordedErrors int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:         500,
		BatchInterval:     2 * time.Second,
		ProgressInterval:  100 * time.Millisecond,
		SampleSize:        fingerprint.DefaultSampleSize,
		MaxRecordedErrors: 100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	if o.SampleSize <= 0 {
		o.SampleSize = d.SampleSize
	}
	if o.MaxRecordedErrors <= 0 {
		o.MaxRecordedErrors = d.MaxRecordedErrors
	}
	return o
}

// Store is the part of *inventory.Store a scan writes through.
type Store interface {
	BeginScan(ctx context.Context, meta inventory.ScanMeta) (*inventory.Handle, error)
	UpsertBatch(ctx context.Context, h *inventory.Handle, entries []inventory.Entry) error
	Commit(ctx context.Context, h *inventory.Handle, o inventory.Outcome) (inventory.CommitStats, error)
	Abort(ctx context.Context, h *inventory.Handle, reason error) error
	LatestFingerprint(ctx context.Context) (fingerprint.Fingerprint, error)
}

// Target is what to scan and where to record it.
type Target struct {
	ProjectID string
	Root      string // display and scan-history only; FS does the reading
	FS        FS
	Store     Store
	// Release, when set, runs on the scan goroutine once the result is
	// recorded and before the session's Done channel closes.
	Release func()
}

// Result is what a finished scan reports.
type Result struct {
	SessionID   string                  `json:"session_id"`
	ScanID      int64                   `json:"scan_id"`
	Status      Status                  `json:"status"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	// Errors holds the first recorded recoverable errors; ErrorCount counts all.
	Errors         []ScanError `json:"-"`
	ErrorCount     int64       `json:"error_count"`
	Dirs           int64       `json:"dirs"`
	Excluded       int64       `json:"excluded"`
	Skipped        int64       `json:"skipped"`
	EntriesWritten int64       `json:"entries_written"`
	RowsPruned     int64       `json:"rows_pruned"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	// Err is set only when Status is failed.
	Err error `json:"-"`
}

// Scanner runs one scan. It is not reusable.
type Scanner struct {
	target    Target
	proto     *protocol.Effective
	opts      Options
	sessionID string
	now       func() time.Time
	rng       *rand.Rand

	fsys     FS
	errs     errorLog
	stats    walkStats
	current  string
	progress *progressReporter

	// afterFlush is a test hook passed to the batch writer.
	afterFlush func(flushes int)
}

// New prepares a scan of t under proto. A nil proto applies only the
// hidden-entry rule.
func New(t Target, proto *protocol.Effective, opts Options) *Scanner {
	seed := uint64(time.Now().UnixNano())
	return &Scanner{
		target:    t,
		proto:     proto,
		opts:      opts.withDefaults(),
		sessionID: uuid.NewString(),
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(seed, seed>>7|1)),
		fsys:      t.FS,
	}
}

// SessionID identifies this scan in logs and scan history.
func (s *Scanner) SessionID() string { return s.sessionID }

func (s *Scanner) event(cancelled bool) Event {
	return Event{
		FilesSeen:   s.stats.Files,
		BytesSeen:   s.stats.Bytes,
		CurrentPath: s.current,
		Cancelled:   cancelled,
	}
}

// Run walks the tree until it is exhausted or ctx is cancelled. The
// returned error is non-nil only when the result status is failed; a
// cancelled scan returns a partial fingerprint and a nil error.
func (s *Scanner) Run(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	s.errs = errorLog{max: s.opts.MaxRecordedErrors}
	res := Result{SessionID: s.sessionID, StartedAt: s.now()}
	s.progress = newProgressReporter(onProgress, s.opts.ProgressInterval, s.now)

	var digest string
	if s.proto != nil {
		digest = s.proto.Digest()
	}
	h, err := s.target.Store.BeginScan(ctx, inventory.ScanMeta{
		SessionID:      s.sessionID,
		Root:           s.target.Root,
		ProtocolDigest: digest,
	})
	if err != nil {
		s.progress.finish(s.event(false))
		return s.fail(res, nil, &PersistenceError{Op: "begin scan", Err: err})
	}
	res.ScanID = h.ID

	slog.Info("scan started", "project", s.target.ProjectID, "root", s.target.Root,
		"session", s.sessionID, "scan_id", h.ID)

	builder := fingerprint.NewBuilder(s.opts.SampleSize, s.rng)
	w := newBatchWriter(s.target.Store, h, s.opts.BatchSize, s.opts.BatchInterval, s.now)
	w.afterFlush = s.afterFlush

	cancelled, walkErr := s.walk(ctx, func(e inventory.Entry) error {
		builder.Observe(e.RelativePath, e.IsDir, e.SizeBytes)
		return w.add(e)
	})
	if walkErr == nil {
		walkErr = w.flush()
	}
	s.progress.finish(s.event(cancelled))

	res.Dirs = s.stats.Dirs
	res.Excluded = s.stats.Excluded
	res.Skipped = s.stats.Skipped
	res.Errors = s.errs.kept
	res.ErrorCount = s.errs.count
	res.EntriesWritten = h.Written()
	if walkErr != nil {
		return s.fail(res, h, walkErr)
	}

	fp := builder.Build(h.ID, cancelled)
	fp.GeneratedAt = s.now().UTC()
	stats, err := s.target.Store.Commit(context.Background(), h, inventory.Outcome{
		Completed:   !cancelled,
		Fingerprint: fp,
		FilesSeen:   s.stats.Files,
		BytesSeen:   s.stats.Bytes,
		ErrorCount:  s.errs.count,
		Errors:      s.errs.records(),
	})
	if err != nil {
		return s.fail(res, h, &PersistenceError{Op: "commit scan", Err: err})
	}

	res.Status = StatusCompleted
	if cancelled {
		res.Status = StatusCancelled
	}
	res.Fingerprint = fp
	res.RowsPruned = stats.RowsPruned
	res.FinishedAt = s.now()

	slog.Info("scan finished", "project", s.target.ProjectID, "session", s.sessionID,
		"status", res.Status, "files", fp.TotalFiles, "bytes", fp.TotalSizeBytes,
		"entries", res.EntriesWritten, "errors", res.ErrorCount, "pruned", res.RowsPruned,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	return res, nil
}

// fail closes h (when open) and returns the last committed fingerprint
// alongside err.
func (s *Scanner) fail(res Result, h *inventory.Handle, err error) (Result, error) {
	if h != nil {
		if abortErr := s.target.Store.Abort(context.Background(), h, err); abortErr != nil {
			slog.Error("abort scan", "session", s.sessionID, "error", abortErr)
		}
	}
	fp, fpErr := s.target.Store.LatestFingerprint(context.Background())
	if fpErr != nil && !errors.Is(fpErr, inventory.ErrNotFound) {
		slog.Warn("load last fingerprint", "session", s.sessionID, "error", fpErr)
	}
	res.Status = StatusFailed
	res.Fingerprint = fp
	res.Err = err
	res.FinishedAt = s.now()
	slog.Error("scan failed", "project", s.target.ProjectID, "session", s.sessionID, "error", err)
	return res, err
}
