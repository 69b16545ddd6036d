// Package schedule runs named jobs on cron expressions and on demand. A job
// never overlaps itself: a trigger that arrives while the job is running is
// skipped.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBusy is returned by RunNow when the job is already running.
var ErrBusy = errors.New("job is already running")

// ErrUnknownJob is returned for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Func is the body of a job.
type Func func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   Func
	id   cron.EntryID
	mu   sync.Mutex

	stateMu sync.Mutex
	lastRun time.Time
	lastErr error
	running bool
}

// Status describes a job for display.
type Status struct {
	Name    string
	Spec    string
	Next    time.Time // zero when the job has no cron expression
	LastRun time.Time
	LastErr error
	Running bool
}

// Scheduler owns the cron loop and the job table.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a stopped scheduler. Cron expressions use the standard five
// fields and the descriptors cron understands, such as @daily or @every 1h.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name. An empty spec registers a job that only runs
// through RunNow.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, spec: spec, fn: fn}
	if spec == "" {
		s.logger.Info("job has no cron expression, manual trigger only", "job", name)
	} else {
		id, err := s.cron.AddFunc(spec, func() { s.fire(j) })
		if err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", name, spec, err)
		}
		j.id = id
		s.logger.Info("job scheduled", "job", name, "cron", spec)
	}
	s.jobs[name] = j
	return nil
}

// Validate reports whether spec is a cron expression Add would accept.
// The empty spec is valid.
func Validate(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, cancels running jobs and waits for them until
// ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs the job synchronously under ctx. It fails with ErrBusy when
// the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	if !j.mu.TryLock() {
		return fmt.Errorf("%s: %w", name, ErrBusy)
	}
	defer j.mu.Unlock()
	return s.run(ctx, j, "manual")
}

// Jobs reports every job, sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		st := Status{Name: j.name, Spec: j.spec}
		if j.spec != "" {
			st.Next = s.cron.Entry(j.id).Next
		}
		j.stateMu.Lock()
		st.LastRun, st.LastErr, st.Running = j.lastRun, j.lastErr, j.running
		j.stateMu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) job(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return j, nil
}

// fire is the cron callback.
func (s *Scheduler) fire(j *job) {
	if !j.mu.TryLock() {
		s.logger.Warn("previous run still in progress, skipping", "job", j.name)
		return
	}
	defer j.mu.Unlock()
	_ = s.run(s.ctx, j, "cron")
}

func (s *Scheduler) run(ctx context.Context, j *job, trigger string) error {
	start := time.Now()
	j.stateMu.Lock()
	j.running = true
	j.stateMu.Unlock()

	s.logger.Info("job started", "job", j.name, "trigger", trigger)
	err := j.fn(ctx)

	j.stateMu.Lock()
	j.running = false
	j.lastRun = start
	j.lastErr = err
	j.stateMu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", j.name, "trigger", trigger, "duration", time.Since(start), "error", err)
		return err
	}
	s.logger.Info("job finished", "job", j.name, "trigger", trigger, "duration", time.Since(start))
	return nil
}

// cronLogger routes the cron library's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
