// Package config loads the synchrony configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/roach88/synchrony/internal/engine"
	"github.com/roach88/synchrony/internal/logging"
)

// LedgerDisabled turns the SQLite ledger off when used as LedgerPath.
const LedgerDisabled = "none"

// DefaultLedgerFile is the ledger file name inside DataDir.
const DefaultLedgerFile = "ledger.db"

type Config struct {
	// DataDir holds the WAL and the state file. Created if missing.
	DataDir string `yaml:"data_dir"`
	// LedgerPath is the SQLite ledger. Empty means DataDir/ledger.db;
	// "none" disables the ledger.
	LedgerPath string `yaml:"ledger_path"`
	// Workers bounds the executor pool. 0 means runtime.NumCPU().
	Workers int `yaml:"workers"`

	Verify  VerifyConfig  `yaml:"verify"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type VerifyConfig struct {
	Mode string `yaml:"mode"` // audit | strict | off
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	// Textfile, when set, receives the registry in Prometheus text format
	// after every command.
	Textfile string `yaml:"textfile"`
}

func getLogLevel() string {
	if l := os.Getenv("SYNCHRONY_LOG_LEVEL"); l != "" {
		return l
	}
	return "warn"
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir: "./synchrony-data",
		Workers: runtime.NumCPU(),
		Verify:  VerifyConfig{Mode: string(engine.VerifyAudit)},
		Log: LogConfig{
			Level:  getLogLevel(),
			Format: logging.FormatConsole,
		},
		Metrics: MetricsConfig{Namespace: "synchrony"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := NewDefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if _, err := engine.ParseVerifyMode(c.Verify.Mode); err != nil {
		return fmt.Errorf("verify.mode: %w", err)
	}
	if _, err := logging.New(c.Log.Level, c.Log.Format, io.Discard); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics.namespace must not be empty")
	}
	return nil
}

// Ledger returns the ledger path to open, or "" when the ledger is
// disabled.
func (c *Config) Ledger() string {
	switch c.LedgerPath {
	case LedgerDisabled:
		return ""
	case "":
		return filepath.Join(c.DataDir, DefaultLedgerFile)
	default:
		return c.LedgerPath
	}
}
