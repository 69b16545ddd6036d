package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BadgerOps/strmsync/internal/download"
	"github.com/BadgerOps/strmsync/internal/retry"
)

// seenSet holds the local paths that are backed by a live remote entry
// in the current run.
type seenSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{paths: make(map[string]struct{})}
}

func (s *seenSet) add(p string) {
	s.mu.Lock()
	s.paths[filepath.Clean(p)] = struct{}{}
	s.mu.Unlock()
}

func (s *seenSet) has(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paths[filepath.Clean(p)]
	return ok
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeWritten
	outcomeDownloaded
)

// materialize produces every artifact of plan. Artifacts are independent:
// one that fails is recorded and abandoned while the rest continue. Only
// artifacts that were skipped as fresh or completed enter seen.
func (e *Engine) materialize(ctx context.Context, plan *Plan, seen *seenSet, report *Report, tracker *Tracker) {
	var g errgroup.Group
	g.SetLimit(e.job.MaxWorkers)
	downloads := semaphore.NewWeighted(int64(e.job.MaxDownloaders))

	var mu sync.Mutex
	for _, a := range plan.Artifacts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, size, err := e.materializeOne(ctx, a, downloads)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn("abandoning artifact", "path", a.Entry.Path, "local", a.LocalPath, "error", err)
				failed := FailedArtifact{RemotePath: a.Entry.Path, LocalPath: a.LocalPath, Err: err}
				if a.Kind == KindContent {
					failed.URL = e.contentURL(a)
				}
				tracker.Failed(a.LocalPath, err.Error())
				mu.Lock()
				report.Failed = append(report.Failed, failed)
				mu.Unlock()
				return nil
			}

			seen.add(a.LocalPath)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSkipped:
				report.Skipped++
				tracker.Skipped()
			case outcomeWritten:
				report.Written++
				tracker.Written(a.LocalPath)
			case outcomeDownloaded:
				report.Downloaded++
				report.BytesTransferred += size
				tracker.Downloaded(a.LocalPath, size)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) materializeOne(ctx context.Context, a Artifact, downloads *semaphore.Weighted) (outcome, int64, error) {
	if !e.job.Overwrite {
		fresh, err := e.fresh(a)
		if err != nil {
			return 0, 0, err
		}
		if fresh {
			e.logger.Debug("skipping fresh artifact", "local", a.LocalPath)
			return outcomeSkipped, 0, nil
		}
	}

	if a.Kind == KindPointer {
		payload := e.job.Payload(a.Entry)
		err := retry.DoContext(ctx, e.retry, "write "+a.LocalPath, func(ctx context.Context) error {
			return writePointer(e.fs, a.LocalPath, payload)
		})
		if err != nil {
			return 0, 0, err
		}
		e.logger.Debug("wrote pointer", "local", a.LocalPath)
		return outcomeWritten, 0, nil
	}

	if err := downloads.Acquire(ctx, 1); err != nil {
		return 0, 0, err
	}
	defer downloads.Release(1)

	result, err := e.downloader.Download(ctx, download.DownloadOptions{
		URL:          e.contentURL(a),
		DestPath:     a.LocalPath,
		ExpectedSize: a.Entry.Size,
		ModTime:      a.Entry.Modified,
		Segments:     e.job.RangeSegments,
	})
	if err != nil {
		return 0, 0, err
	}
	e.logger.Debug("downloaded", "local", a.LocalPath, "size", result.Size, "ranged", result.Ranged)
	return outcomeDownloaded, result.Size, nil
}

func (e *Engine) contentURL(a Artifact) string {
	return a.Entry.DownloadURL(e.job.SignToken)
}

// fresh reports whether the existing local file for a can be kept. Pointer
// content never goes stale on its own; content artifacts are fresh when
// they are at least as new and as large as the remote entry.
func (e *Engine) fresh(a Artifact) (bool, error) {
	info, err := e.fs.Stat(a.LocalPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", a.LocalPath, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", a.LocalPath)
	}
	if a.Kind == KindPointer {
		return true, nil
	}
	return !info.ModTime().Before(a.Entry.Modified) && info.Size() >= a.Entry.Size, nil
}

// writePointer replaces dest with payload through a temporary sibling, so
// readers see either the old or the new content.
func writePointer(fs afero.Fs, dest, payload string) error {
	dir := filepath.Dir(dest)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(payload); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := fs.Rename(tmpName, dest); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return nil
}
