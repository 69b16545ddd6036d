package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Settings   Settings     `yaml:"settings"`
	Server     ServerConfig `yaml:"server"`
	Alist2Strm []JobConfig  `yaml:"alist2strm"`
	TreeMirror []JobConfig  `yaml:"treemirror"`
}

// Settings holds process-wide toggles
type Settings struct {
	Dev bool `yaml:"dev"`
}

// ServerConfig holds control-surface and history settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key"`
	DBPath string `yaml:"db_path"`
}

// Enabled reports whether the HTTP control surface should run. It needs
// an API key; without one triggers would be unauthenticated.
func (s ServerConfig) Enabled() bool {
	return s.Listen != "" && s.APIKey != ""
}

// JobConfig is one raw job record. Records stay untyped until
// ParseJob decodes them, so keys a job type does not know are ignored.
type JobConfig map[string]interface{}

// ID returns the record's id, or "" when absent.
func (j JobConfig) ID() string {
	id, ok := j["id"]
	if !ok || id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
			DBPath: "strmsync.db",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that job ids are present and unique within their kind.
func (c *Config) Validate() error {
	for kind, jobs := range map[string][]JobConfig{"alist2strm": c.Alist2Strm, "treemirror": c.TreeMirror} {
		seen := make(map[string]bool, len(jobs))
		for i, job := range jobs {
			id := job.ID()
			if id == "" {
				return fmt.Errorf("%s[%d]: id is required", kind, i)
			}
			if seen[id] {
				return fmt.Errorf("%s: duplicate id %q", kind, id)
			}
			seen[id] = true
		}
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"strmsync.yaml",
		"/etc/strmsync/strmsync.yaml",
	}

	if home, err := homedir.Dir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "strmsync", "strmsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// SyncJob returns the sync job with the given id.
func (c *Config) SyncJob(id string) (*SyncJobConfig, error) {
	for _, raw := range c.Alist2Strm {
		if raw.ID() == id {
			return ParseJob[SyncJobConfig](raw)
		}
	}
	return nil, fmt.Errorf("alist2strm job %q not found", id)
}

// MirrorJob returns the mirror job with the given id.
func (c *Config) MirrorJob(id string) (*MirrorJobConfig, error) {
	for _, raw := range c.TreeMirror {
		if raw.ID() == id {
			return ParseJob[MirrorJobConfig](raw)
		}
	}
	return nil, fmt.Errorf("treemirror job %q not found", id)
}

// ParseJob unmarshals a raw job record into a typed struct with its
// defaults applied. Unknown keys are ignored.
func ParseJob[T any, PT interface {
	*T
	applyDefaults() error
}](raw JobConfig) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling job config: %w", err)
	}
	typed := new(T)
	if err := yaml.Unmarshal(data, typed); err != nil {
		return nil, fmt.Errorf("parsing job config %q: %w", raw.ID(), err)
	}
	if err := PT(typed).applyDefaults(); err != nil {
		return nil, fmt.Errorf("job %q: %w", raw.ID(), err)
	}
	return typed, nil
}
