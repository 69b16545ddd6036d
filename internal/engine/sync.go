// Package engine turns a remote directory tree into a local one: pointer
// files for media, downloads for sidecar files, and optional deletion of
// local files whose remote source is gone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/download"
	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/retry"
	"github.com/BadgerOps/strmsync/internal/store"
)

// ErrDiscoveryIncomplete is returned when the remote walk failed. Nothing
// is materialized and nothing is deleted in that case.
var ErrDiscoveryIncomplete = errors.New("discovery incomplete")

// maxListWorkers bounds concurrent directory listings.
const maxListWorkers = 8

// Recorder persists run history. *store.Store satisfies it.
type Recorder interface {
	CreateSyncRun(run *store.SyncRun) error
	UpdateSyncRun(run *store.SyncRun) error
	AddFailedFile(rec *store.FailedFileRecord) error
	ResolveFailedFiles(job string, stillFailing []string) (int, error)
}

type nopRecorder struct{}

func (nopRecorder) CreateSyncRun(*store.SyncRun) error               { return nil }
func (nopRecorder) UpdateSyncRun(*store.SyncRun) error               { return nil }
func (nopRecorder) AddFailedFile(*store.FailedFileRecord) error      { return nil }
func (nopRecorder) ResolveFailedFiles(string, []string) (int, error) { return 0, nil }

// FailedArtifact is an entry that could not be materialized.
type FailedArtifact struct {
	RemotePath string
	LocalPath  string
	URL        string
	Err        error
}

// Report summarizes one run.
type Report struct {
	RunID     string
	Job       string
	StartTime time.Time
	EndTime   time.Time

	Discovered       int
	Planned          int
	Written          int
	Downloaded       int
	Skipped          int
	Deleted          []string
	Failed           []FailedArtifact
	BytesTransferred int64

	// DiscoveryComplete is false when the remote walk did not finish, in
	// which case reconciliation was not attempted.
	DiscoveryComplete bool
}

// Status is the run status recorded in history.
func (r *Report) Status() string {
	switch {
	case !r.DiscoveryComplete:
		return "failed"
	case len(r.Failed) > 0:
		return "partial"
	default:
		return "success"
	}
}

// Engine runs one job against one remote service.
type Engine struct {
	job        *Job
	client     *alist.Client
	downloader *download.Client
	fs         afero.Fs
	recorder   Recorder
	retry      retry.Policy
	logger     *slog.Logger

	trackerMu sync.RWMutex
	tracker   *Tracker
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFs replaces the local filesystem. The default is the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithDownloader replaces the content downloader. It must write through
// the same filesystem as the engine.
func WithDownloader(d *download.Client) Option {
	return func(e *Engine) { e.downloader = d }
}

// WithRecorder enables run history.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRetry sets the policy for pointer writes.
func WithRetry(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// New creates an engine for job reading from client.
func New(job *Job, client *alist.Client, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		job:      job,
		client:   client,
		fs:       afero.NewOsFs(),
		recorder: nopRecorder{},
		retry:    retry.Policy{Tries: 3, Delay: 500 * time.Millisecond, Backoff: 2},
		logger:   logger.With("job", job.ID),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.downloader == nil {
		e.downloader = download.NewClient(e.fs, e.logger)
	}
	if e.retry.Logger == nil {
		e.retry.Logger = e.logger
	}
	return e
}

// Job returns the engine's job.
func (e *Engine) Job() *Job {
	return e.job
}

// ActiveProgress returns the tracker of the current or most recent run,
// or nil before the first run.
func (e *Engine) ActiveProgress() *Tracker {
	e.trackerMu.RLock()
	defer e.trackerMu.RUnlock()
	return e.tracker
}

// Run performs one discover, materialize and reconcile cycle. Abandoned
// artifacts do not fail the run; they are listed in the report. A failed
// walk returns ErrDiscoveryIncomplete and touches nothing locally.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Job:       e.job.ID,
		StartTime: time.Now(),
	}
	logger := e.logger.With("run_id", report.RunID)

	// The tracker stays installed after the run so the last snapshot remains
	// readable until the next run replaces it.
	tracker := NewTracker(e.job.ID)
	tracker.SetMessage("Discovering " + e.job.SourceDir)
	e.trackerMu.Lock()
	e.tracker = tracker
	e.trackerMu.Unlock()

	run := &store.SyncRun{
		RunID:     report.RunID,
		Kind:      store.KindSync,
		Job:       e.job.ID,
		StartTime: report.StartTime,
		Status:    "running",
	}
	if err := e.recorder.CreateSyncRun(run); err != nil {
		logger.Error("failed to create sync run record", "error", err)
	}

	logger.Info("starting sync", "source", e.job.SourceDir, "target", e.job.TargetDir, "mode", e.job.Mode)

	entries, err := e.discover(ctx, tracker)
	report.Discovered = len(entries)
	if err != nil {
		return e.finish(ctx, report, run, tracker, fmt.Errorf("%w: %w", ErrDiscoveryIncomplete, err))
	}
	report.DiscoveryComplete = true

	plan := e.job.BuildPlan(entries, logger)
	report.Planned = len(plan.Artifacts)
	report.Failed = append(report.Failed, plan.Unmapped...)
	tracker.SetPlanned(len(plan.Artifacts), plan.TotalBytes())
	tracker.SetPhase(PhaseMaterializing)
	tracker.SetMessage(fmt.Sprintf("Materializing %d artifacts", len(plan.Artifacts)))
	logger.Info("plan built", "discovered", len(entries), "artifacts", len(plan.Artifacts), "content_size", humanize.Bytes(uint64(plan.TotalBytes())))

	seen := newSeenSet()
	e.materialize(ctx, plan, seen, report, tracker)
	if err := ctx.Err(); err != nil {
		return e.finish(ctx, report, run, tracker, err)
	}

	if e.job.SyncServer {
		tracker.SetPhase(PhaseReconciling)
		tracker.SetMessage("Removing stale files")
		deleted, err := reconcile(e.fs, e.job.TargetDir, e.job.Flatten, seen, e.job.Ignore, logger)
		report.Deleted = deleted
		for _, p := range deleted {
			tracker.Deleted(p)
		}
		if err != nil {
			logger.Error("reconciliation failed", "error", err)
			return e.finish(ctx, report, run, tracker, fmt.Errorf("reconcile: %w", err))
		}
	}

	return e.finish(ctx, report, run, tracker, nil)
}

func (e *Engine) discover(ctx context.Context, tracker *Tracker) ([]alist.Entry, error) {
	opts := alist.WalkOptions{
		Workers: min(e.job.MaxWorkers, maxListWorkers),
		Filter:  e.job.discFilter,
	}
	if e.job.needsDetail() {
		opts.Detail = func(alist.Entry) bool { return true }
	}

	var entries []alist.Entry
	for entry, err := range e.client.Walk(ctx, e.job.SourceDir, opts) {
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
		tracker.EntryDiscovered()
	}
	return entries, nil
}

// finish records the outcome of a run in history, metrics and logs.
func (e *Engine) finish(ctx context.Context, report *Report, run *store.SyncRun, tracker *Tracker, runErr error) (*Report, error) {
	report.EndTime = time.Now()
	logger := e.logger.With("run_id", report.RunID)

	if runErr == nil {
		runErr = ctx.Err()
	}
	status := report.Status()
	if runErr != nil {
		status = "failed"
	}
	if ctx.Err() != nil {
		status = "cancelled"
	}

	failedPaths := make([]string, 0, len(report.Failed))
	for _, f := range report.Failed {
		failedPaths = append(failedPaths, f.RemotePath)
		rec := &store.FailedFileRecord{
			Job:          e.job.ID,
			FilePath:     f.RemotePath,
			DestPath:     f.LocalPath,
			URL:          f.URL,
			Error:        f.Err.Error(),
			FirstFailure: report.EndTime,
			LastFailure:  report.EndTime,
		}
		if err := e.recorder.AddFailedFile(rec); err != nil {
			logger.Error("failed to record failed file", "path", f.RemotePath, "error", err)
		}
	}
	if status == "success" || status == "partial" {
		if n, err := e.recorder.ResolveFailedFiles(e.job.ID, failedPaths); err != nil {
			logger.Error("failed to resolve failed files", "error", err)
		} else if n > 0 {
			logger.Info("previously failed files recovered", "count", n)
		}
	}

	run.EndTime = report.EndTime
	run.Status = status
	run.FilesDiscovered = report.Discovered
	run.FilesWritten = report.Written
	run.FilesDownloaded = report.Downloaded
	run.FilesSkipped = report.Skipped
	run.FilesFailed = len(report.Failed)
	run.FilesDeleted = len(report.Deleted)
	run.BytesTransferred = report.BytesTransferred
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	} else if len(report.Failed) > 0 {
		run.ErrorMessage = fmt.Sprintf("%d artifacts failed", len(report.Failed))
	}
	if err := e.recorder.UpdateSyncRun(run); err != nil {
		logger.Error("failed to update sync run record", "error", err)
	}

	duration := report.EndTime.Sub(report.StartTime)
	metrics.RecordRun(store.KindSync, status, duration)
	metrics.RecordArtifacts(e.job.ID, "written", report.Written)
	metrics.RecordArtifacts(e.job.ID, "downloaded", report.Downloaded)
	metrics.RecordArtifacts(e.job.ID, "skipped", report.Skipped)
	metrics.RecordArtifacts(e.job.ID, "failed", len(report.Failed))
	metrics.RecordArtifacts(e.job.ID, "deleted", len(report.Deleted))

	switch status {
	case "cancelled":
		tracker.SetPhase(PhaseCancelled)
		tracker.SetMessage("Cancelled")
	case "failed":
		tracker.SetPhase(PhaseFailed)
		tracker.SetMessage("Failed: " + runErr.Error())
	default:
		tracker.SetPhase(PhaseComplete)
		tracker.SetMessage(fmt.Sprintf("Complete: %d written, %d downloaded, %d failed", report.Written, report.Downloaded, len(report.Failed)))
	}

	attrs := []any{
		"status", status,
		"discovered", report.Discovered,
		"written", report.Written,
		"downloaded", report.Downloaded,
		"skipped", report.Skipped,
		"deleted", len(report.Deleted),
		"failed", len(report.Failed),
		"transferred", humanize.Bytes(uint64(report.BytesTransferred)),
		"duration", duration.Truncate(time.Millisecond),
	}
	if runErr != nil {
		logger.Error("sync failed", append(attrs, "error", runErr)...)
		return report, runErr
	}
	logger.Info("sync completed", attrs...)
	return report, nil
}
