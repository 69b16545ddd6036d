package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"listen address", func(c *Config) string { return c.Server.Listen }, "0.0.0.0:8080"},
		{"db path", func(c *Config) string { return c.Server.DBPath }, "strmsync.db"},
		{"api key", func(c *Config) string { return c.Server.APIKey }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Server.Enabled() {
		t.Error("server without api key should be disabled")
	}
}

const sampleConfig = `
settings:
  dev: true
server:
  listen: "127.0.0.1:9000"
  api_key: "k3y"
  db_path: "/tmp/strm.db"
alist2strm:
  - id: movies
    cron: "0 20 * * *"
    url: https://alist.example.com
    username: admin
    password: adminadmin
    source_dir: /cloud/movies
    target_dir: /media/movies
    mode: RawURL
    subtitle: true
    other_ext: ".iso,.txt"
    sync_server: true
    sync_ignore: '\.(nfo|jpg)$'
    unknown_key: ignored
  - id: 7
    url: alist.example.com
    target_dir: /media/shows
treemirror:
  - id: anime
    url: http://localhost:5244
    token: alist-xxxx
    target_dir: Anime
    source:
      kind: ani
      year: 2024
      month: 5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strmsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.Settings.Dev {
		t.Error("Settings.Dev = false, want true")
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.APIKey != "k3y" || cfg.Server.DBPath != "/tmp/strm.db" {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Server.Enabled() {
		t.Error("server with listen and api key should be enabled")
	}
	if len(cfg.Alist2Strm) != 2 || len(cfg.TreeMirror) != 1 {
		t.Fatalf("expected 2 sync jobs and 1 mirror job, got %d and %d", len(cfg.Alist2Strm), len(cfg.TreeMirror))
	}
	if cfg.Alist2Strm[1].ID() != "7" {
		t.Errorf("numeric id = %q, want \"7\"", cfg.Alist2Strm[1].ID())
	}
}

func TestSyncJobParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	job, err := cfg.SyncJob("movies")
	if err != nil {
		t.Fatalf("SyncJob() failed: %v", err)
	}
	if job.URL != "https://alist.example.com" || job.Username != "admin" || job.Password != "adminadmin" {
		t.Errorf("remote not decoded: %+v", job.RemoteConfig)
	}
	if job.Mode != "RawURL" || !job.Subtitle || job.OtherExt != ".iso,.txt" || !job.SyncServer {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.SyncIgnore != `\.(nfo|jpg)$` {
		t.Errorf("SyncIgnore = %q", job.SyncIgnore)
	}
	if job.MaxWorkers != DefaultMaxWorkers || job.MaxDownloaders != DefaultMaxDownloaders || job.RangeSegments != DefaultRangeSegments {
		t.Errorf("defaults not applied: %+v", job)
	}

	shows, err := cfg.SyncJob("7")
	if err != nil {
		t.Fatalf("SyncJob(7) failed: %v", err)
	}
	if shows.SourceDir != "/" || shows.Mode != DefaultMode {
		t.Errorf("defaults not applied: source %q mode %q", shows.SourceDir, shows.Mode)
	}

	if _, err := cfg.SyncJob("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestMirrorJobParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	job, err := cfg.MirrorJob("anime")
	if err != nil {
		t.Fatalf("MirrorJob() failed: %v", err)
	}
	if job.MountPath != "/Anime" {
		t.Errorf("MountPath = %q, want /Anime", job.MountPath)
	}
	if job.Token != "alist-xxxx" {
		t.Errorf("Token = %q", job.Token)
	}
	if job.Source.Kind != "ani" || job.Source.Year != 2024 || job.Source.Month != 5 {
		t.Errorf("unexpected source: %+v", job.Source)
	}
	if job.Source.Domain != DefaultAniDomain {
		t.Errorf("Domain = %q, want default", job.Source.Domain)
	}
}

func TestParseJobErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  JobConfig
		want string
	}{
		{"missing url", JobConfig{"id": "a", "target_dir": "/x"}, "url is required"},
		{"missing target", JobConfig{"id": "a", "url": "http://h"}, "target_dir is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob[SyncJobConfig](tt.raw)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}

	mirrors := []struct {
		name string
		raw  JobConfig
		want string
	}{
		{"no kind", JobConfig{"id": "m", "url": "http://h", "target_dir": "/t"}, "source.kind is required"},
		{"bad kind", JobConfig{"id": "m", "url": "http://h", "target_dir": "/t", "source": map[string]interface{}{"kind": "ftp"}}, "unknown source kind"},
		{"feed without url", JobConfig{"id": "m", "url": "http://h", "target_dir": "/t", "source": map[string]interface{}{"kind": "feed"}}, "source.url is required"},
	}
	for _, tt := range mirrors {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob[MirrorJobConfig](tt.raw)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestTargetDirHomeExpansion(t *testing.T) {
	home, err := homedir.Dir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	job, err := ParseJob[SyncJobConfig](JobConfig{"id": "h", "url": "http://h", "target_dir": "~/strm"})
	if err != nil {
		t.Fatalf("ParseJob() failed: %v", err)
	}
	if job.TargetDir != filepath.Join(home, "strm") {
		t.Errorf("TargetDir = %q, want under %q", job.TargetDir, home)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	_, err := Load(writeConfig(t, `
alist2strm:
  - id: a
    url: http://h
    target_dir: /x
  - id: a
    url: http://h
    target_dir: /y
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	_, err := Load(writeConfig(t, "treemirror:\n  - url: http://h\n"))
	if err == nil || !strings.Contains(err.Error(), "id is required") {
		t.Fatalf("expected missing id error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}
