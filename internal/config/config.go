package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultConfigPath = "~/.config/imodalign/config.json"
	defaultParallel   = 2
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "IMODALIGN_CONFIG"

// Config holds user-editable settings for the aligner.
type Config struct {
	Processing Processing      `json:"processing" toml:"processing"`
	Logging    Logging         `json:"logging" toml:"logging"`
	Paths      Paths           `json:"paths" toml:"paths"`
	IMOD       IMOD            `json:"imod" toml:"imod"`
	Alignment  AlignmentConfig `json:"alignment" toml:"alignment"`
	Server     Server          `json:"server" toml:"server"`
	Watch      Watch           `json:"watch" toml:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" toml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" toml:"temp_dir"`
	StageMode    string `json:"stage_mode" toml:"stage_mode"` // copy, symlink
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`
}

// Paths configures default output and database locations.
type Paths struct {
	DefaultOutput string `json:"default_output" toml:"default_output"`
	DatabasePath  string `json:"database_path" toml:"database_path"`
}

// IMOD describes the local IMOD installation and batchruntomo invocation.
type IMOD struct {
	Binary          string  `json:"binary" toml:"binary"`
	EndingStep      int     `json:"ending_step" toml:"ending_step"`
	MinimumVersion  string  `json:"minimum_version" toml:"minimum_version"`
	TargetPixelSize float64 `json:"target_pixel_size" toml:"target_pixel_size"` // Å, used for binning
}

// AlignmentConfig controls alignment processors.
type AlignmentConfig struct {
	DefaultProcessor string              `json:"default_processor" toml:"default_processor"`
	Fiducials        FiducialsConfig     `json:"fiducials" toml:"fiducials"`
	PatchTracking    PatchTrackingConfig `json:"patch_tracking" toml:"patch_tracking"`
}

// FiducialsConfig configures gold-bead alignment.
type FiducialsConfig struct {
	Enabled      bool    `json:"enabled" toml:"enabled"`
	Template     string  `json:"template" toml:"template"`           // directive template, empty for built-in
	FiducialSize float64 `json:"fiducial_size" toml:"fiducial_size"` // nm
}

// PatchTrackingConfig configures fiducial-less alignment.
type PatchTrackingConfig struct {
	Enabled           bool    `json:"enabled" toml:"enabled"`
	Template          string  `json:"template" toml:"template"`
	PatchSize         float64 `json:"patch_size" toml:"patch_size"` // Å
	OverlapPercentage float64 `json:"overlap_percentage" toml:"overlap_percentage"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr" toml:"addr"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
}

// Watch configures the directory watcher.
type Watch struct {
	Paths       []string `json:"paths" toml:"paths"`
	SettleDelay Duration `json:"settle_delay" toml:"settle_delay"`
	Processor   string   `json:"processor" toml:"processor"`
}

// Path returns the configuration file Load reads.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the configuration at path. A missing file yields defaults.
// Files ending in .toml are decoded as TOML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(expanded), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the aligner cannot run with.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	switch c.Processing.StageMode {
	case "", "copy", "symlink":
	default:
		return fmt.Errorf("processing.stage_mode must be copy or symlink, got %q", c.Processing.StageMode)
	}
	if p := c.Alignment.PatchTracking.OverlapPercentage; p < 0 || p >= 100 {
		return fmt.Errorf("alignment.patch_tracking.overlap_percentage must be in [0, 100), got %v", p)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			StageMode:    "copy",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./etomo",
			DatabasePath:  filepath.Join(os.TempDir(), "imodalign.db"),
		},
		IMOD: IMOD{
			Binary:          "batchruntomo",
			EndingStep:      6,
			MinimumVersion:  "4.11.0",
			TargetPixelSize: 10,
		},
		Alignment: AlignmentConfig{
			DefaultProcessor: "",
			Fiducials:        FiducialsConfig{Enabled: true, FiducialSize: 10},
			PatchTracking:    PatchTrackingConfig{Enabled: true, PatchSize: 1000, OverlapPercentage: 33},
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			SettleDelay: Duration(defaultSettleDelay),
			Processor:   "patch-tracking",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

// ExpandUser resolves a leading ~ in path.
func ExpandUser(path string) (string, error) { return expandUser(path) }
