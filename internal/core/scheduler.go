package core

// scheduler.go runs loads on cron schedules.
//
// Each job becomes a cron entry. A job whose previous run is still going
// is skipped rather than queued, and every run goes through the Service,
// so scheduled loads share the limiter with API and CLI loads. Failures are
// logged and recorded in the job status; they never stop the scheduler.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// JobRunner executes the load behind a scheduled job. *Service implements it.
type JobRunner interface {
	NewRequest(table, file string) Request
	Load(ctx context.Context, req Request) (*Result, error)
}

// JobStatus is the outcome of a job's most recent run.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Running  bool      `json:"running"`
}

// Scheduler runs jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	runner JobRunner
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	status  map[string]*JobStatus
	ctx     context.Context
}

// NewScheduler registers jobs with a new cron scheduler. It does not start it.
func NewScheduler(runner JobRunner, jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		logger:  logger,
		jobs:    make(map[string]Job, len(jobs)),
		entries: make(map[string]cron.EntryID, len(jobs)),
		status:  make(map[string]*JobStatus, len(jobs)),
		ctx:     context.Background(),
	}

	for _, j := range jobs {
		id, err := s.cron.AddFunc(j.Schedule, func() { s.run(j) })
		if err != nil {
			return nil, fmt.Errorf("schedule job %s: %w", j.Name, err)
		}
		s.jobs[j.Name] = j
		s.entries[j.Name] = id
		s.status[j.Name] = &JobStatus{Name: j.Name, Schedule: j.Schedule}
		logger.Info("scheduled load", "job", j.Name, "schedule", j.Schedule, "table", j.Table)
	}
	return s, nil
}

// Start starts the scheduler. Runs use ctx as their parent context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("load scheduler started", "jobs", len(s.jobs))
}

// Stop stops scheduling new runs and waits for running ones until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("load scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Status returns the state of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.status))
	for name, st := range s.status {
		cp := *st
		cp.Next = s.cron.Entry(s.entries[name]).Next
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// run is the cron callback. Errors are logged and kept in the job status.
func (s *Scheduler) run(j Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	_, _ = s.execute(ctx, j)
}

var (
	// ErrJobRunning is returned by RunNow when the job's previous run is active.
	ErrJobRunning = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
)

func (s *Scheduler) execute(ctx context.Context, j Job) (*Result, error) {
	s.mu.Lock()
	st := s.status[j.Name]
	if st.Running {
		s.mu.Unlock()
		s.logger.Warn("skipping scheduled load: previous run still active", "job", j.Name)
		return nil, ErrJobRunning
	}
	st.Running = true
	s.mu.Unlock()

	logger := logging.Enrich(ctx, s.logger).With("job", j.Name, "table", j.Table)
	logger.Info("scheduled load started", "source", j.Source)
	start := time.Now()

	res, err := s.runner.Load(ctx, j.Request(s.runner.NewRequest(j.Table, j.Source)))

	s.mu.Lock()
	st.Running = false
	st.LastRun = start
	st.Result = res
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("scheduled load failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	logger.Info("scheduled load completed",
		"rows_inserted", res.RowsInserted,
		"rows_updated", res.RowsUpdated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
