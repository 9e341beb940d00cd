// Package config loads the project.yaml configuration file and fills in
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full tool configuration.
type Config struct {
	Paths   Paths   `yaml:"paths"`
	Drive   Drive   `yaml:"google_drive"`
	Minio   Minio   `yaml:"minio"`
	Backend string  `yaml:"storage_backend"` // "drive" or "minio"
	Polling Polling `yaml:"polling"`
	Filters Filters `yaml:"filters"`
	Upload  Upload  `yaml:"upload"`
}

// Paths names the local files and directories the tool works with.
type Paths struct {
	LedgerFile string `yaml:"ledger_file"`
	RegistryDB string `yaml:"registry_db"`
	StagingDir string `yaml:"staging_dir"`
}

// Drive describes the remote folder hierarchy rooted under the user's Drive.
type Drive struct {
	RootFolder string   `yaml:"root_folder"`
	Subfolders []string `yaml:"subfolders"`
	TokenFile  string   `yaml:"token_file"`
}

// Minio holds settings for the S3-compatible storage backend.
type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "60s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Polling controls how a submitted job is driven to a terminal state.
type Polling struct {
	InitialWait            Duration `yaml:"initial_wait"`
	CheckInterval          Duration `yaml:"check_interval"`
	MaxWait                Duration `yaml:"max_wait"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
}

// Filters selects which job outputs are eligible for transfer. Ignore
// patterns take precedence over include patterns.
type Filters struct {
	Include []string `yaml:"include"`
	Ignore  []string `yaml:"ignore"`
}

// Upload tunes the chunked upload pipeline.
type Upload struct {
	ChunkSize       int64 `yaml:"chunk_size"`
	MaxChunkRetries int   `yaml:"max_chunk_retries"`
}

// Default returns the configuration used when no project.yaml exists.
func Default() Config {
	return Config{
		Paths: Paths{
			LedgerFile: "config/ledger.json",
			RegistryDB: "config/projects.db",
			StagingDir: "temp_outputs",
		},
		Drive: Drive{
			RootFolder: "Kaggle-CLI",
			Subfolders: []string{"Projects", "Datasets", "Outputs", "Archives"},
			TokenFile:  "config/token.json",
		},
		Backend: "drive",
		Polling: Polling{
			InitialWait:            Duration(30 * time.Second),
			CheckInterval:          Duration(60 * time.Second),
			MaxWait:                Duration(2 * time.Hour),
			MaxConsecutiveFailures: 3,
		},
		Filters: Filters{
			Include: []string{"*.csv", "*.json", "*.txt", "*.png", "*.pkl", "**/*.ckpt"},
			Ignore:  []string{"*.log", "__pycache__/**"},
		},
		Upload: Upload{
			ChunkSize:       8 * 1024 * 1024,
			MaxChunkRetries: 3,
		},
	}
}

// Load reads path and merges it over the defaults. A missing file is not an
// error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values so a sparse project.yaml still works.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Paths.LedgerFile == "" {
		c.Paths.LedgerFile = d.Paths.LedgerFile
	}
	if c.Paths.RegistryDB == "" {
		c.Paths.RegistryDB = d.Paths.RegistryDB
	}
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = d.Paths.StagingDir
	}
	if c.Drive.RootFolder == "" {
		c.Drive.RootFolder = d.Drive.RootFolder
	}
	if len(c.Drive.Subfolders) == 0 {
		c.Drive.Subfolders = d.Drive.Subfolders
	}
	if c.Drive.TokenFile == "" {
		c.Drive.TokenFile = d.Drive.TokenFile
	}
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Polling.InitialWait <= 0 {
		c.Polling.InitialWait = d.Polling.InitialWait
	}
	if c.Polling.CheckInterval <= 0 {
		c.Polling.CheckInterval = d.Polling.CheckInterval
	}
	if c.Polling.MaxWait <= 0 {
		c.Polling.MaxWait = d.Polling.MaxWait
	}
	if c.Polling.MaxConsecutiveFailures <= 0 {
		c.Polling.MaxConsecutiveFailures = d.Polling.MaxConsecutiveFailures
	}
	if c.Upload.ChunkSize <= 0 {
		c.Upload.ChunkSize = d.Upload.ChunkSize
	}
	if c.Upload.MaxChunkRetries <= 0 {
		c.Upload.MaxChunkRetries = d.Upload.MaxChunkRetries
	}
}
