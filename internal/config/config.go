package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/farmsync/internal/adapter"
	"github.com/me/farmsync/internal/aggregate"
	"github.com/me/farmsync/pkg/model"
)

// Config is the complete farmsync configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Farm    FarmConfig    `yaml:"farm"`
	Session SessionConfig `yaml:"session"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EngineConfig tunes the adapter and aggregation index.
type EngineConfig struct {
	PushWindow   time.Duration `yaml:"push_window"`
	PullWindow   time.Duration `yaml:"pull_window"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// FarmConfig describes the farm endpoint and the emulated farm.
type FarmConfig struct {
	URL              string        `yaml:"url"`   // JSON-RPC endpoint used by clients
	Token            string        `yaml:"token"` // optional; FARMSYNC_TOKEN wins when set
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	Addr             string        `yaml:"addr"`    // listen address for "farm serve"
	DBPath           string        `yaml:"db_path"` // ":memory:" for an ephemeral farm
	ProgressPerQuery int           `yaml:"progress_per_query"`
	MaxFrames        int           `yaml:"max_frames"` // largest job the emulated farm accepts
}

// SessionConfig holds the defaults applied to every submitted job.
type SessionConfig struct {
	Name     string            `yaml:"name"`
	Defaults model.JobDefaults `yaml:"defaults"`
	Env      map[string]string `yaml:"env,omitempty"`
	Custom   map[string]string `yaml:"custom,omitempty"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			PushWindow:   10 * time.Second,
			PullWindow:   10 * time.Second,
			CallTimeout:  aggregate.DefaultCallTimeout,
			TickInterval: time.Second,
		},
		Farm: FarmConfig{
			URL:              "http://localhost:8090/rpc",
			Timeout:          30 * time.Second,
			MaxRetries:       2,
			Addr:             ":8090",
			DBPath:           ":memory:",
			ProgressPerQuery: 2,
			MaxFrames:        100_000,
		},
		Session: SessionConfig{
			Name: "farmsync",
			Defaults: model.JobDefaults{
				Pool:           "default",
				Priority:       50,
				ServerPriority: 75,
				ChunkSize:      1,
			},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.PushWindow < 0 {
		errs = append(errs, errors.New("engine.push_window must not be negative"))
	}
	if c.Engine.PullWindow < 0 {
		errs = append(errs, errors.New("engine.pull_window must not be negative"))
	}
	if c.Engine.CallTimeout <= 0 {
		errs = append(errs, errors.New("engine.call_timeout must be positive"))
	}
	if c.Engine.TickInterval <= 0 {
		errs = append(errs, errors.New("engine.tick_interval must be positive"))
	}
	if c.Farm.MaxRetries < 0 {
		errs = append(errs, errors.New("farm.max_retries must not be negative"))
	}
	if c.Farm.ProgressPerQuery < 0 {
		errs = append(errs, errors.New("farm.progress_per_query must not be negative"))
	}
	if c.Farm.MaxFrames <= 0 {
		errs = append(errs, errors.New("farm.max_frames must be positive"))
	}
	if c.Session.Defaults.ChunkSize < 0 {
		errs = append(errs, errors.New("session.defaults.chunk_size must not be negative"))
	}
	return errors.Join(errs...)
}

// Adapter returns the adapter settings.
func (c Config) Adapter() adapter.Config {
	return adapter.Config{PushWindow: c.Engine.PushWindow, PullWindow: c.Engine.PullWindow}
}

// NewSession builds a session from the configured defaults. Map entries are
// added in sorted key order so job metadata is deterministic.
func (c Config) NewSession() *model.Session {
	s := model.NewSession(c.Session.Name, c.Session.Defaults)
	s.Env = sortedMetadata(c.Session.Env)
	s.Custom = sortedMetadata(c.Session.Custom)
	return s
}

func sortedMetadata(m map[string]string) model.Metadata {
	var md model.Metadata
	for _, k := range slices.Sorted(maps.Keys(m)) {
		md.Set(k, m[k])
	}
	return md
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
