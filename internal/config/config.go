package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/motioncorr/config.json"
	defaultBatchSize  = 32
	defaultSleep      = 60
	defaultTries      = 2
)

// Config holds user-editable settings for the motion correction runs.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Binary     Binary     `json:"binary"`
	Tools      Tools      `json:"tools"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	GPUs            string `json:"gpus"`          // space separated, e.g. "0 1"
	BatchSize       int    `json:"batch_size"`    // movies per streaming batch
	TempDir         string `json:"temp_dir"`      // scratch area for runs without a project dir
	SleepOnWait     int    `json:"sleep_on_wait"` // seconds between input polls
	MaxTries        int    `json:"max_tries"`     // attempts per batch
	KeepBatchDirs   bool   `json:"keep_batch_dirs"`
	UseWorkerThread bool   `json:"use_worker_thread"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	ProjectDir   string `json:"project_dir"`
	DatabasePath string `json:"database_path"`
}

// Binary locates the motion correction program.
type Binary struct {
	Home    string `json:"home"`
	Program string `json:"program"`
	CudaLib string `json:"cuda_lib"`
	Version string `json:"version"`
}

// Tools lists helper programs.
type Tools struct {
	GainConverter string `json:"gain_converter"`
}

// Server configures the status endpoints.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := Path()
	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

// Path returns the config file location honouring MOTIONCORR_CONFIG.
func Path() string {
	if p := os.Getenv("MOTIONCORR_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Validate reports settings that cannot work.
func (c *Config) Validate() []string {
	var problems []string
	if len(strings.Fields(c.Processing.GPUs)) == 0 {
		problems = append(problems, "processing.gpus must list at least one GPU id")
	}
	if c.Processing.BatchSize < 1 {
		problems = append(problems, "processing.batch_size must be positive")
	}
	if c.Processing.MaxTries < 1 {
		problems = append(problems, "processing.max_tries must be positive")
	}
	if c.Binary.Program == "" {
		problems = append(problems, "binary.program is empty")
	}
	return problems
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MOTIONCOR_HOME"); v != "" {
		c.Binary.Home = v
	}
	if v := os.Getenv("MOTIONCOR_BIN"); v != "" {
		c.Binary.Program = v
	}
	if v := os.Getenv("MOTIONCOR_CUDA_LIB"); v != "" {
		c.Binary.CudaLib = v
	} else if v := os.Getenv("CUDA_LIB"); v != "" && c.Binary.CudaLib == "" {
		c.Binary.CudaLib = v
	}
	if envVarOn("SCIPION_DEBUG_NOCLEAN") || envVarOn("MOTIONCORR_DEBUG_NOCLEAN") {
		c.Processing.KeepBatchDirs = true
	}
	if home, err := expandUser(c.Binary.Home); err == nil {
		c.Binary.Home = home
	}
}

func envVarOn(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			GPUs:        "0",
			BatchSize:   defaultBatchSize,
			TempDir:     os.TempDir(),
			SleepOnWait: defaultSleep,
			MaxTries:    defaultTries,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			ProjectDir:   "./runs",
			DatabasePath: filepath.Join(os.TempDir(), "motioncorr.db"),
		},
		Binary: Binary{
			Program: "MotionCor2",
		},
		Tools: Tools{
			GainConverter: "dm2mrc",
		},
		Server: Server{
			Addr:     ":8090",
			GRPCAddr: ":8091",
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
