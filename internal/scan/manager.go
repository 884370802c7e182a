package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eargollo/surveyor/internal/protocol"
)

// ErrAlreadyRunning is returned when a scan is started for a project that
// already has one in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress for this project")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// Session is a running or finished scan. It is safe for concurrent use.
type Session struct {
	ID        string
	ProjectID string
	Root      string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest Event
	result Result
	err    error
}

// Cancel asks the scan to stop at the next directory boundary. It is
// idempotent and harmless after the scan has finished.
func (s *Session) Cancel() { s.cancel() }

// Done is closed when the scan has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Latest returns the most recent progress event.
func (s *Session) Latest() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Status reports running until the scan returns, then its final status.
func (s *Session) Status() Status {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result.Status
	default:
		return StatusRunning
	}
}

// Await blocks until the scan finishes or ctx ends. The error is the scan's
// failure, or ctx's error if the wait was abandoned; cancellation of the
// scan itself is reported through Result.Status.
func (s *Session) Await(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	case <-ctx.Done():
		return Result{SessionID: s.ID, Status: StatusRunning}, ctx.Err()
	}
}

func (s *Session) setLatest(ev Event) {
	s.mu.Lock()
	s.latest = ev
	s.mu.Unlock()
}

// Manager allows at most one active scan per project and exposes
// start/cancel. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	active map[string]*Session
	wg     sync.WaitGroup
}

// NewManager creates a Manager using opts for every scan.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		active: make(map[string]*Session),
	}
}

// Start launches an asynchronous scan of t and returns immediately. The
// scan's context derives from ctx, so cancelling ctx (for example on server
// shutdown) cancels the scan; callers serving a request should pass a
// longer-lived context. A second Start for the same project while one is
// running returns ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, t Target, proto *protocol.Effective, onProgress ProgressFunc) (*Session, error) {
	if t.FS == nil || t.Store == nil {
		return nil, fmt.Errorf("start scan of %q: target needs both FS and Store", t.ProjectID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[t.ProjectID]; busy {
		return nil, ErrAlreadyRunning
	}

	scanner := New(t, proto, m.opts)
	scanCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:        scanner.SessionID(),
		ProjectID: t.ProjectID,
		Root:      t.Root,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.active[t.ProjectID] = sess

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		res, err := scanner.Run(scanCtx, func(ev Event) {
			sess.setLatest(ev)
			if onProgress != nil {
				onProgress(ev)
			}
		})
		if err != nil {
			slog.Error("scan run error", "project", t.ProjectID, "error", err)
		}

		sess.mu.Lock()
		sess.result, sess.err = res, err
		sess.mu.Unlock()

		if t.Release != nil {
			t.Release()
		}

		m.mu.Lock()
		delete(m.active, t.ProjectID)
		m.mu.Unlock()
		close(sess.done)
	}()

	return sess, nil
}

// Cancel stops the running scan of projectID. Returns ErrNoActiveScan if
// the project is idle.
func (m *Manager) Cancel(projectID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.active[projectID]
	if !ok {
		return nil, ErrNoActiveScan
	}
	sess.Cancel()
	return sess, nil
}

// Active returns the running session of projectID, or nil when idle.
func (m *Manager) Active(projectID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[projectID]
}

// Sessions returns all running sessions ordered by project ID.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// CancelAll cancels every running scan and waits for them to return.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	for _, s := range m.active {
		s.Cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
