package engine

import (
	"fmt"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BadgerOps/strmsync/internal/alist"
	"github.com/BadgerOps/strmsync/internal/config"
)

// PointerSuffix is the extension of pointer artifacts.
const PointerSuffix = ".strm"

// Mode selects the payload written into pointer artifacts.
type Mode string

const (
	ModeAlistURL  Mode = "AlistURL"  // signed self-service download URL
	ModeRawURL    Mode = "RawURL"    // the storage provider's own URL
	ModeAlistPath Mode = "AlistPath" // the remote path
)

// ParseMode matches s case-insensitively. Unknown values fall back to
// ModeAlistURL with a warning.
func ParseMode(s string, logger *slog.Logger) Mode {
	for _, m := range []Mode{ModeAlistURL, ModeRawURL, ModeAlistPath} {
		if strings.EqualFold(s, string(m)) {
			return m
		}
	}
	if logger != nil {
		logger.Warn("unknown mode, using default", "mode", s, "default", ModeAlistURL)
	}
	return ModeAlistURL
}

func extSet(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

var (
	videoExts    = extSet(".mp4", ".mkv", ".flv", ".avi", ".wmv", ".ts", ".rmvb", ".webm", ".mpg", ".m2ts")
	subtitleExts = extSet(".ass", ".srt", ".ssa", ".sub")
	imageExts    = extSet(".png", ".jpg")
	nfoExts      = extSet(".nfo")
)

// Job is a validated alist2strm job.
type Job struct {
	ID        string
	SourceDir string // remote directory, cleaned, starting with "/"
	TargetDir string // absolute local directory
	Mode      Mode
	SignToken string

	Flatten    bool
	Overwrite  bool
	SyncServer bool
	Ignore     *regexp.Regexp // paths reconciliation never deletes, may be nil

	MaxWorkers     int
	MaxDownloaders int
	RangeSegments  int

	downloadExts map[string]bool
	forcedExts   map[string]bool
}

// NewJob builds a Job from its configuration. Invalid optional settings
// are replaced by their defaults with a warning.
func NewJob(cfg *config.SyncJobConfig, logger *slog.Logger) (*Job, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", cfg.ID)

	target, err := filepath.Abs(cfg.TargetDir)
	if err != nil {
		return nil, fmt.Errorf("resolving target_dir: %w", err)
	}

	j := &Job{
		ID:             cfg.ID,
		SourceDir:      path.Clean("/" + cfg.SourceDir),
		TargetDir:      target,
		Mode:           ParseMode(cfg.Mode, logger),
		SignToken:      cfg.SignToken,
		Flatten:        cfg.FlattenMode,
		Overwrite:      cfg.Overwrite,
		SyncServer:     cfg.SyncServer,
		MaxWorkers:     max(cfg.MaxWorkers, 1),
		MaxDownloaders: max(cfg.MaxDownloaders, 1),
		RangeSegments:  max(cfg.RangeSegments, 1),
		downloadExts:   make(map[string]bool),
		forcedExts:     make(map[string]bool),
	}

	// Flattened output has no room for per-title sidecar files.
	if !j.Flatten {
		if cfg.Subtitle {
			maps.Copy(j.downloadExts, subtitleExts)
		}
		if cfg.Image {
			maps.Copy(j.downloadExts, imageExts)
		}
		if cfg.NFO {
			maps.Copy(j.downloadExts, nfoExts)
		}
	}
	for _, e := range strings.Split(cfg.OtherExt, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		j.forcedExts[e] = true
		j.downloadExts[e] = true
	}

	if cfg.SyncIgnore != "" {
		re, err := regexp.Compile(cfg.SyncIgnore)
		if err != nil {
			logger.Warn("invalid sync_ignore pattern, ignoring nothing", "pattern", cfg.SyncIgnore, "error", err)
		} else {
			j.Ignore = re
		}
	}
	return j, nil
}

// Allowed reports whether files with the extension ext are materialized.
func (j *Job) Allowed(ext string) bool {
	ext = strings.ToLower(ext)
	return videoExts[ext] || j.downloadExts[ext]
}

// IsPointer reports whether files with the extension ext become pointer
// artifacts rather than downloads.
func (j *Job) IsPointer(ext string) bool {
	ext = strings.ToLower(ext)
	return videoExts[ext] && !j.forcedExts[ext]
}

// Payload returns the pointer content for e under the job's mode.
func (j *Job) Payload(e alist.Entry) string {
	switch j.Mode {
	case ModeRawURL:
		if e.HasRawURL() {
			return e.RawURL
		}
		return e.DownloadURL(j.SignToken)
	case ModeAlistPath:
		return e.Path
	default:
		return e.DownloadURL(j.SignToken)
	}
}

// needsDetail reports whether walked entries must be re-fetched through
// the detail endpoint.
func (j *Job) needsDetail() bool {
	return j.Mode == ModeRawURL || j.SyncServer
}
