package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled rescan.
type Job struct {
	ProjectID string     `json:"project_id"`
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// Scheduler wraps robfig/cron and keeps one job per project.
type Scheduler struct {
	mu      sync.RWMutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	exprs   map[string]string
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{
		c:       cron.New(),
		entries: make(map[string]cron.EntryID),
		exprs:   make(map[string]string),
	}
}

// Validate reports whether expr is a standard five-field cron expression.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// SetJob replaces the project's job with the given expression and callback.
// If the scheduler is already running, the new job takes effect immediately.
func (s *Scheduler) SetJob(projectID, expr string, fn func()) error {
	if err := Validate(expr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[projectID]; ok {
		s.c.Remove(id)
	}
	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.entries[projectID] = id
	s.exprs[projectID] = expr
	slog.Info("scheduler: job set", "project", projectID, "cron", expr)
	return nil
}

// RemoveJob drops the project's job, if any.
func (s *Scheduler) RemoveJob(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[projectID]; ok {
		s.c.Remove(id)
		delete(s.entries, projectID)
		delete(s.exprs, projectID)
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the project's next scheduled time, or nil if it has no
// job or the scheduler is not running.
func (s *Scheduler) NextRunAt(projectID string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.entries[projectID]
	if !ok {
		return nil
	}
	entry := s.c.Entry(id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Jobs lists the scheduled jobs ordered by project ID.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	ids := make([]string, 0, len(s.exprs))
	for id := range s.exprs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		expr := s.exprs[id]
		s.mu.RUnlock()
		out = append(out, Job{ProjectID: id, Cron: expr, NextRunAt: s.NextRunAt(id)})
	}
	return out
}
