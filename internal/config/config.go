package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. It is read from
// $LOOM_DATA_DIR/loom.yaml (created with defaults on first run) and can be
// overridden per-option through LOOM_* environment variables.
type Config struct {
	DataDir string `yaml:"-"`

	MaxAttempts              int    `yaml:"max_attempts"`
	PortRangeStart           int    `yaml:"port_range_start"`
	PortRangeSize            int    `yaml:"port_range_size"`
	ValidationTimeoutSeconds int    `yaml:"validation_timeout_seconds"`
	LaunchGraceSeconds       int    `yaml:"launch_grace_seconds"`
	MinimumArtifactLength    int    `yaml:"minimum_artifact_length"`
	StrictImports            bool   `yaml:"strict_imports"`
	Model                    string `yaml:"model"`
	PythonBin                string `yaml:"python_bin"`

	Telemetry Telemetry `yaml:"telemetry"`
}

type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

func Default() *Config {
	return &Config{
		MaxAttempts:              5,
		PortRangeStart:           8502,
		PortRangeSize:            10,
		ValidationTimeoutSeconds: 15,
		LaunchGraceSeconds:       5,
		MinimumArtifactLength:    100,
		StrictImports:            false,
		Model:                    "gpt-4o-mini",
		PythonBin:                "python3",
	}
}

// New loads the configuration. A missing config file is created with
// defaults so the first run leaves an editable file behind.
func New() (*Config, error) {
	// Best effort: a .env in the working directory may carry OPENAI_API_KEY.
	_ = godotenv.Load()

	dataDir := os.Getenv("LOOM_DATA_DIR")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(homeDir, ".loom")
	}

	cfg := Default()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, "loom.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnv()

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.PortRangeSize < 1 {
		return nil, fmt.Errorf("port_range_size must be at least 1, got %d", cfg.PortRangeSize)
	}

	return cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnv() {
	intEnv("LOOM_MAX_ATTEMPTS", &c.MaxAttempts)
	intEnv("LOOM_PORT_RANGE_START", &c.PortRangeStart)
	intEnv("LOOM_PORT_RANGE_SIZE", &c.PortRangeSize)
	intEnv("LOOM_VALIDATION_TIMEOUT_SECONDS", &c.ValidationTimeoutSeconds)
	intEnv("LOOM_LAUNCH_GRACE_SECONDS", &c.LaunchGraceSeconds)
	intEnv("LOOM_MINIMUM_ARTIFACT_LENGTH", &c.MinimumArtifactLength)
	if v, ok := os.LookupEnv("LOOM_STRICT_IMPORTS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.StrictImports = b
		}
	}
	if v, ok := os.LookupEnv("LOOM_MODEL"); ok && v != "" {
		c.Model = v
	}
	if v, ok := os.LookupEnv("LOOM_PYTHON_BIN"); ok && v != "" {
		c.PythonBin = v
	}
}

func intEnv(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// EnsureDirs creates the directories the registry and workspace write into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.GeneratedDir(), c.PagesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) GeneratedDir() string {
	return filepath.Join(c.DataDir, "generated")
}

func (c *Config) PagesDir() string {
	return filepath.Join(c.DataDir, "pages")
}
