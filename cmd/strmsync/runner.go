package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/config"
	"github.com/BadgerOps/strmsync/internal/engine"
	"github.com/BadgerOps/strmsync/internal/safety"
	"github.com/BadgerOps/strmsync/internal/schedule"
	"github.com/BadgerOps/strmsync/internal/store"
	"github.com/BadgerOps/strmsync/internal/treemirror"
)

const catalogTimeout = 60 * time.Second

// Runner builds and runs configured jobs. Engines are built once per job
// and reused, so their progress stays readable between runs.
type Runner struct {
	cfg     *config.Config
	pool    *alist.Pool
	store   *store.Store
	catalog *http.Client
	logger  *slog.Logger
	sched   *schedule.Scheduler

	mu      sync.Mutex
	engines map[string]*engine.Engine
	mirrors map[string]*treemirror.Mirror
	status  map[string]string
}

// NewRunner creates a runner. st may be nil to skip run history.
func NewRunner(cfg *config.Config, st *store.Store, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		pool:    alist.NewPool(),
		store:   st,
		catalog: safety.NewHTTPClient(catalogTimeout),
		logger:  logger,
		engines: make(map[string]*engine.Engine),
		mirrors: make(map[string]*treemirror.Mirror),
		status:  make(map[string]string),
	}
}

func jobName(kind, id string) string {
	return kind + "/" + id
}

func (r *Runner) client(remote config.RemoteConfig) (*alist.Client, error) {
	return r.pool.Get(alist.Options{
		URL:      remote.URL,
		Username: remote.Username,
		Password: remote.Password,
		Token:    remote.Token,
		Logger:   r.logger,
	})
}

// SyncEngine returns the engine of sync job id.
func (r *Runner) SyncEngine(id string) (*engine.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[id]; ok {
		return eng, nil
	}

	cfg, err := r.cfg.SyncJob(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schedule.ErrUnknownJob, err)
	}
	job, err := engine.NewJob(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	client, err := r.client(cfg.RemoteConfig)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	var opts []engine.Option
	if r.store != nil {
		opts = append(opts, engine.WithRecorder(r.store))
	}
	eng := engine.New(job, client, r.logger, opts...)
	r.engines[id] = eng
	return eng, nil
}

// Mirror returns the mirror of treemirror job id.
func (r *Runner) Mirror(id string) (*treemirror.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mirrors[id]; ok {
		return m, nil
	}

	cfg, err := r.cfg.MirrorJob(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schedule.ErrUnknownJob, err)
	}
	client, err := r.client(cfg.RemoteConfig)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	source, err := treemirror.NewSource(cfg.Source, r.pool, r.catalog, r.logger)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	var opts []treemirror.Option
	if r.store != nil {
		opts = append(opts, treemirror.WithRecorder(r.store))
	}
	m := treemirror.New(id, client, cfg.MountPath, source, r.logger, opts...)
	r.mirrors[id] = m
	return m, nil
}

// RunSync runs sync job id once.
func (r *Runner) RunSync(ctx context.Context, id string) (*engine.Report, error) {
	eng, err := r.SyncEngine(id)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx)
}

// RunMirror runs treemirror job id once.
func (r *Runner) RunMirror(ctx context.Context, id string) (*treemirror.Result, error) {
	m, err := r.Mirror(id)
	if err != nil {
		return nil, err
	}
	return m.Run(ctx)
}

// run executes one job and remembers its final status for Trigger.
func (r *Runner) run(ctx context.Context, kind, id string) error {
	status := "success"
	var err error
	switch kind {
	case store.KindSync:
		var report *engine.Report
		report, err = r.RunSync(ctx, id)
		if report != nil {
			status = report.Status()
		}
	case store.KindMirror:
		_, err = r.RunMirror(ctx, id)
	default:
		return fmt.Errorf("%s: %w", jobName(kind, id), schedule.ErrUnknownJob)
	}
	if err != nil {
		status = "failed"
		if ctx.Err() != nil {
			status = "cancelled"
		}
	}

	r.mu.Lock()
	r.status[jobName(kind, id)] = status
	r.mu.Unlock()
	return err
}

// Schedule registers every configured job with s. Jobs are validated
// first so a bad record fails startup rather than its first run.
func (r *Runner) Schedule(s *schedule.Scheduler) error {
	add := func(kind string, raw config.JobConfig) error {
		id := raw.ID()
		cron, _ := raw["cron"].(string)
		return s.Add(jobName(kind, id), cron, func(ctx context.Context) error {
			return r.run(ctx, kind, id)
		})
	}

	for _, raw := range r.cfg.Alist2Strm {
		if _, err := r.SyncEngine(raw.ID()); err != nil {
			return err
		}
		if err := add(store.KindSync, raw); err != nil {
			return err
		}
	}
	for _, raw := range r.cfg.TreeMirror {
		if _, err := r.Mirror(raw.ID()); err != nil {
			return err
		}
		if err := add(store.KindMirror, raw); err != nil {
			return err
		}
	}
	r.sched = s
	return nil
}

// Trigger runs a job through the scheduler, so it never overlaps a
// scheduled run of the same job, and returns its final status.
func (r *Runner) Trigger(ctx context.Context, kind, id string) (string, error) {
	if r.sched == nil {
		return "", fmt.Errorf("scheduler not running")
	}
	name := jobName(kind, id)
	err := r.sched.RunNow(ctx, name)

	r.mu.Lock()
	status := r.status[name]
	r.mu.Unlock()
	return status, err
}

// Jobs reports the scheduled jobs.
func (r *Runner) Jobs() []schedule.Status {
	if r.sched == nil {
		return nil
	}
	return r.sched.Jobs()
}

// Progress returns the latest progress of sync job id.
func (r *Runner) Progress(id string) (engine.Progress, bool) {
	r.mu.Lock()
	eng, ok := r.engines[id]
	r.mu.Unlock()
	if !ok {
		return engine.Progress{}, false
	}
	tracker := eng.ActiveProgress()
	if tracker == nil {
		return engine.Progress{}, false
	}
	return tracker.Snapshot(), true
}
