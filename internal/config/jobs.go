package config

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
)

// Job defaults.
const (
	DefaultMode           = "AlistURL"
	DefaultMaxWorkers     = 50
	DefaultMaxDownloaders = 5
	DefaultRangeSegments  = 4
	DefaultSourceDir      = "/"
	DefaultAniDomain      = "aniopen.an-i.workers.dev"
)

// RemoteConfig identifies a remote service account.
type RemoteConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// SyncJobConfig is one alist2strm job.
type SyncJobConfig struct {
	ID           string `yaml:"id"`
	Cron         string `yaml:"cron"`
	RemoteConfig `yaml:",inline"`

	SignToken string `yaml:"sign_token"`
	SourceDir string `yaml:"source_dir"`
	TargetDir string `yaml:"target_dir"`
	Mode      string `yaml:"mode"`

	FlattenMode bool   `yaml:"flatten_mode"`
	Subtitle    bool   `yaml:"subtitle"`
	Image       bool   `yaml:"image"`
	NFO         bool   `yaml:"nfo"`
	OtherExt    string `yaml:"other_ext"`
	Overwrite   bool   `yaml:"overwrite"`

	MaxWorkers     int `yaml:"max_workers"`
	MaxDownloaders int `yaml:"max_downloaders"`
	RangeSegments  int `yaml:"range_segments"`

	SyncServer bool   `yaml:"sync_server"`
	SyncIgnore string `yaml:"sync_ignore"`
}

func (j *SyncJobConfig) applyDefaults() error {
	if j.URL == "" {
		return fmt.Errorf("url is required")
	}
	if j.TargetDir == "" {
		return fmt.Errorf("target_dir is required")
	}
	target, err := homedir.Expand(j.TargetDir)
	if err != nil {
		return fmt.Errorf("expanding target_dir: %w", err)
	}
	j.TargetDir = target

	if j.SourceDir == "" {
		j.SourceDir = DefaultSourceDir
	}
	if j.Mode == "" {
		j.Mode = DefaultMode
	}
	if j.MaxWorkers <= 0 {
		j.MaxWorkers = DefaultMaxWorkers
	}
	if j.MaxDownloaders <= 0 {
		j.MaxDownloaders = DefaultMaxDownloaders
	}
	if j.RangeSegments <= 0 {
		j.RangeSegments = DefaultRangeSegments
	}
	return nil
}

// MirrorJobConfig is one treemirror job. The remote account owns the
// address-tree storage mounted at MountPath.
type MirrorJobConfig struct {
	ID           string `yaml:"id"`
	Cron         string `yaml:"cron"`
	RemoteConfig `yaml:",inline"`

	MountPath string       `yaml:"target_dir"`
	Source    SourceConfig `yaml:"source"`
}

// SourceConfig selects and configures the catalog a mirror job reads.
type SourceConfig struct {
	Kind string `yaml:"kind"` // ani, alist, feed or index

	// ani
	Domain string `yaml:"src_domain"`
	Year   int    `yaml:"year"`
	Month  int    `yaml:"month"`

	// alist: another remote service account and directory
	RemoteConfig `yaml:",inline"`
	Dir          string `yaml:"source_dir"`

	// feed and index: catalog address, and the folder its leaves go into
	Folder string `yaml:"folder"`
}

func (j *MirrorJobConfig) applyDefaults() error {
	if j.URL == "" {
		return fmt.Errorf("url is required")
	}
	if j.MountPath == "" {
		return fmt.Errorf("target_dir is required")
	}
	if j.MountPath[0] != '/' {
		j.MountPath = "/" + j.MountPath
	}

	switch j.Source.Kind {
	case "ani":
		if j.Source.Domain == "" {
			j.Source.Domain = DefaultAniDomain
		}
	case "alist":
		if j.Source.URL == "" {
			return fmt.Errorf("source.url is required for alist sources")
		}
		if j.Source.Dir == "" {
			j.Source.Dir = DefaultSourceDir
		}
	case "feed", "index":
		if j.Source.URL == "" {
			return fmt.Errorf("source.url is required for %s sources", j.Source.Kind)
		}
	case "":
		return fmt.Errorf("source.kind is required")
	default:
		return fmt.Errorf("unknown source kind %q", j.Source.Kind)
	}
	return nil
}
