package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Service runs maintenance jobs on their schedules.
type Service struct {
	cron *robfig.Cron
	ctx  context.Context
	now  func() time.Time

	mu      sync.RWMutex
	jobs    map[string]*Job
	entries map[string]robfig.EntryID
	running bool
}

// NewService creates an idle scheduler. Jobs run with ctx, which should
// outlive Start.
func NewService(ctx context.Context) *Service {
	logger := slogLogger{}
	return &Service{
		cron: robfig.New(
			robfig.WithLogger(logger),
			robfig.WithChain(robfig.Recover(logger), robfig.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		now:     time.Now,
		jobs:    make(map[string]*Job),
		entries: make(map[string]robfig.EntryID),
	}
}

// AddJob registers fn under name. The schedule is validated immediately.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %s has no function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &Job{Name: name, Schedule: schedule, run: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.RunJob(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	s.jobs[name] = job
	s.entries[name] = id
	return nil
}

// Start begins scheduling in the background.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	slog.Info("cron service started", "jobs", len(s.Jobs()))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		slog.Info("cron service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunJob executes a job immediately and records its outcome.
func (s *Service) RunJob(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}

	slog.Debug("cron: executing job", "name", name)
	err := job.run(s.ctx)

	s.mu.Lock()
	job.State.LastRunAt = s.now()
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("cron: job execution failed", "name", name, "error", err)
	}
	return err
}

// Jobs returns a snapshot of registered jobs sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for name, job := range s.jobs {
		snapshot := *job
		snapshot.run = nil
		if entry := s.cron.Entry(s.entries[name]); entry.Valid() {
			snapshot.State.NextRunAt = entry.Next
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// RemoveJob unschedules a job.
func (s *Service) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.jobs, name)
	return nil
}
