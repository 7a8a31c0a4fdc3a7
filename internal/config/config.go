// Package config loads application configuration from defaults, an
// optional phyloforge.yaml, and PHYLOFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	GC        GCConfig        `mapstructure:"gc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DataConfig struct {
	// Root holds everything the orchestrator writes: the job registry
	// database, per-job output/log directories, and session workdirs.
	Root string `mapstructure:"root"`
}

type EngineConfig struct {
	// Command is the pipeline engine launcher, e.g.
	// ["nextflow", "run", "main.nf"]. Job parameters are appended as flags.
	Command []string `mapstructure:"command"`

	// HypothesisCommand launches the secondary hypothesis-test computation
	// against a completed job's aggregated artifacts.
	HypothesisCommand []string `mapstructure:"hypothesis_command"`
}

type LifecycleConfig struct {
	// MaxRunning caps concurrently running jobs; submissions beyond the
	// ceiling are rejected.
	MaxRunning int `mapstructure:"max_running"`
}

type GCConfig struct {
	// SessionRetention is the age after which an untouched session workdir
	// becomes eligible for deletion.
	SessionRetention time.Duration `mapstructure:"session_retention"`

	// Interval between background sweeps while serving.
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type RateLimitConfig struct {
	// SubmitPerSecond and SubmitBurst bound job submissions per owner.
	SubmitPerSecond float64 `mapstructure:"submit_per_second"`
	SubmitBurst     int     `mapstructure:"submit_burst"`
}

// SessionsDir is the root under which session workdirs live.
func (d DataConfig) SessionsDir() string {
	return filepath.Join(d.Root, "sessions")
}

// JobsDir is the root of per-job output directories.
func (d DataConfig) JobsDir() string {
	return filepath.Join(d.Root, "jobs")
}

// RegistryPath is the job registry database location.
func (d DataConfig) RegistryPath() string {
	return filepath.Join(d.Root, "registry", "phyloforge.db")
}

// Load resolves configuration. Later overrides win: defaults < config file
// < environment < runtime overrides (used by tests and flag handling).
func Load(overrides ...map[string]any) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("phyloforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/phyloforge")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is a real error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PHYLOFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("data.root", defaultDataRoot())

	v.SetDefault("engine.command", []string{"nextflow", "run", "main.nf"})
	v.SetDefault("engine.hypothesis_command", []string{"nextflow", "run", "hypothesis.nf"})

	v.SetDefault("lifecycle.max_running", 4)

	v.SetDefault("gc.session_retention", 7*24*time.Hour)
	v.SetDefault("gc.interval", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("ratelimit.submit_per_second", 1.0)
	v.SetDefault("ratelimit.submit_burst", 5)
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Data.Root) == "" {
		return fmt.Errorf("data.root is required")
	}
	if len(cfg.Engine.Command) == 0 {
		return fmt.Errorf("engine.command is required")
	}
	if cfg.Lifecycle.MaxRunning <= 0 {
		return fmt.Errorf("lifecycle.max_running must be > 0")
	}
	if cfg.GC.SessionRetention <= 0 {
		return fmt.Errorf("gc.session_retention must be > 0")
	}
	return nil
}

func defaultDataRoot() string {
	return filepath.Join(".", "data")
}
