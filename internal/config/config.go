package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/runner"
	"github.com/peterje/coderunner/internal/terminal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the server and the shepherd
type Config struct {
	Port       int    `yaml:"port"`
	DataDir    string `yaml:"data_dir"`
	ScratchDir string `yaml:"scratch_dir"`
	LogLevel   string `yaml:"log_level"`

	Runner    RunnerConfig              `yaml:"runner"`
	Terminal  TerminalConfig            `yaml:"terminal"`
	Shepherd  ShepherdConfig            `yaml:"shepherd"`
	Broker    BrokerConfig              `yaml:"broker"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Languages map[string]LanguageConfig `yaml:"languages"`
}

// RunnerConfig holds synchronous execution settings
type RunnerConfig struct {
	RunTimeout     time.Duration `yaml:"run_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxQueue       int           `yaml:"max_queue"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
}

// TerminalConfig holds interactive session settings
type TerminalConfig struct {
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	TTYStdout      bool          `yaml:"tty_stdout"`
}

type ShepherdConfig struct {
	Enabled bool `yaml:"enabled"`
}

// BrokerConfig enables frame publishing to RabbitMQ when URL is set
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type RateLimitConfig struct {
	GlobalRPS      float64 `yaml:"global_rps"`
	PerClientRPS   float64 `yaml:"per_client_rps"`
	PerClientBurst int     `yaml:"per_client_burst"`
}

// LanguageConfig overrides or adds a toolchain
type LanguageConfig struct {
	Name       string   `yaml:"name"`
	SourceFile string   `yaml:"source_file"`
	Compile    []string `yaml:"compile"`
	Run        []string `yaml:"run"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".coderunner"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".coderunner")
	}
	runnerOpts := runner.DefaultOptions()
	termOpts := terminal.DefaultOptions()
	return &Config{
		Port:       8800,
		DataDir:    dataDir,
		ScratchDir: filepath.Join(os.TempDir(), "coderunner"),
		LogLevel:   "info",
		Runner: RunnerConfig{
			RunTimeout:     runnerOpts.RunTimeout,
			CompileTimeout: runnerOpts.CompileTimeout,
			KillGrace:      runnerOpts.KillGrace,
			DrainTimeout:   runnerOpts.DrainTimeout,
			MaxConcurrent:  runnerOpts.MaxConcurrent,
			MaxQueue:       runnerOpts.MaxQueue,
			QueueTimeout:   runnerOpts.QueueTimeout,
		},
		Terminal: TerminalConfig{
			CompileTimeout: termOpts.CompileTimeout,
			KillGrace:      termOpts.KillGrace,
			DrainTimeout:   termOpts.DrainTimeout,
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:      50,
			PerClientRPS:   2,
			PerClientBurst: 5,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and environment overrides. A missing file is only an error when
// path was given explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		dir := cfg.DataDir
		if v := os.Getenv("CODERUNNER_DATA_DIR"); v != "" {
			dir = v
		}
		path = filepath.Join(dir, "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CODERUNNER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CODERUNNER_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("CODERUNNER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODERUNNER_SCRATCH_DIR"); v != "" {
		c.ScratchDir = v
	}
	if v := os.Getenv("CODERUNNER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CODERUNNER_AMQP_URL"); v != "" {
		c.Broker.URL = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	for name, d := range map[string]time.Duration{
		"runner.run_timeout":       c.Runner.RunTimeout,
		"runner.compile_timeout":   c.Runner.CompileTimeout,
		"runner.drain_timeout":     c.Runner.DrainTimeout,
		"terminal.compile_timeout": c.Terminal.CompileTimeout,
		"terminal.drain_timeout":   c.Terminal.DrainTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Runner.MaxConcurrent <= 0 {
		return errors.New("runner.max_concurrent must be positive")
	}
	for id, l := range c.Languages {
		if len(l.Run) == 0 {
			return fmt.Errorf("languages.%s: run command is required", id)
		}
		if l.SourceFile == "" {
			return fmt.Errorf("languages.%s: source_file is required", id)
		}
	}
	return nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "coderunner.db")
}

func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "shepherd.sock")
}

func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "shepherd.pid")
}

func (c *Config) RunnerOptions() runner.Options {
	return runner.Options{
		RunTimeout:     c.Runner.RunTimeout,
		CompileTimeout: c.Runner.CompileTimeout,
		KillGrace:      c.Runner.KillGrace,
		DrainTimeout:   c.Runner.DrainTimeout,
		MaxConcurrent:  c.Runner.MaxConcurrent,
		MaxQueue:       c.Runner.MaxQueue,
		QueueTimeout:   c.Runner.QueueTimeout,
	}
}

func (c *Config) TerminalOptions() terminal.Options {
	return terminal.Options{
		CompileTimeout: c.Terminal.CompileTimeout,
		KillGrace:      c.Terminal.KillGrace,
		DrainTimeout:   c.Terminal.DrainTimeout,
		TTYStdout:      c.Terminal.TTYStdout,
	}
}

// Registry returns the default language table with configured overrides.
func (c *Config) Registry() *lang.Registry {
	r := lang.NewRegistry()
	for id, l := range c.Languages {
		name := l.Name
		if name == "" {
			name = id
		}
		r.Register(lang.Language{
			ID: id,
			Toolchain: lang.Toolchain{
				Name:           name,
				SourceFile:     l.SourceFile,
				CompileCommand: l.Compile,
				RunCommand:     l.Run,
			},
		})
	}
	return r
}
