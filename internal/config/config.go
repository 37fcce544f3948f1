// Package config handles Praxis configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/praxishealth/praxis/internal/core"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Ops server
	Server ServerConfig `json:"server"`

	// Services
	Qdrant    QdrantConfig    `json:"qdrant"`
	Ollama    OllamaConfig    `json:"ollama"`
	Anthropic AnthropicConfig `json:"anthropic"`

	// Pipeline tuning
	Pipeline PipelineConfig `json:"pipeline"`

	// Job schedule (local time, "HH:MM")
	Jobs JobConfig `json:"jobs"`
}

// ServerConfig for the ops HTTP server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// QdrantConfig for the vector database
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// OllamaConfig for the embedding provider
type OllamaConfig struct {
	URL   string `json:"url"`
	Model string `json:"model"`
}

// AnthropicConfig for nudge text generation
type AnthropicConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// PipelineConfig carries the decision thresholds shared by the jobs.
type PipelineConfig struct {
	Workers int `json:"workers"` // bounded per-user fan-out

	// Suppression
	ConfidenceFloor      float64       `json:"confidence_floor"`
	LowRecoveryThreshold float64       `json:"low_recovery_threshold"`
	DismissalFatigueMax  int           `json:"dismissal_fatigue_max"`
	DefaultDailyCap      int           `json:"default_daily_cap"`
	DefaultMinSpacing    time.Duration `json:"default_min_spacing"`

	// MVD detector
	MVDExitRecovery       float64 `json:"mvd_exit_recovery"`
	MVDFullRecovery       float64 `json:"mvd_full_recovery"`
	MVDSemiRecovery       float64 `json:"mvd_semi_recovery"`
	MVDSemiCalendarLoad   float64 `json:"mvd_semi_calendar_load"`
	MVDSemiStrainMin      float64 `json:"mvd_semi_strain_min"`

	// Memory maintenance
	MemoryHalfLifeDays    float64 `json:"memory_half_life_days"`
	MemoryCapPerUser      int     `json:"memory_cap_per_user"`
	MemoryConfidenceFloor float64 `json:"memory_confidence_floor"`
	MemoryRetrievalLimit  int     `json:"memory_retrieval_limit"`

	// Retrieval
	CandidateTopK int `json:"candidate_top_k"`
}

// JobConfig pins the nightly/weekly invocation times.
type JobConfig struct {
	NudgesAt      string `json:"nudges_at"`
	SchedulesAt   string `json:"schedules_at"`
	StreaksAt     string `json:"streaks_at"`
	FreezeResetAt string `json:"freeze_reset_at"` // weekly, Monday
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".praxis"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "nomic-embed-text",
		},
		Anthropic: AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  "claude-sonnet-4-20250514",
		},
		Pipeline: DefaultPipeline(),
		Jobs: JobConfig{
			NudgesAt:      "02:00",
			SchedulesAt:   "02:30",
			StreaksAt:     "03:00",
			FreezeResetAt: "00:10",
		},
	}
}

// DefaultPipeline returns the default decision thresholds.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		Workers:              8,
		ConfidenceFloor:      0.4,
		LowRecoveryThreshold: 34,
		DismissalFatigueMax:  2,
		DefaultDailyCap:      3,
		DefaultMinSpacing:    3 * time.Hour,

		MVDExitRecovery:     67,
		MVDFullRecovery:     30,
		MVDSemiRecovery:     45,
		MVDSemiCalendarLoad: 8,
		MVDSemiStrainMin:    8,

		MemoryHalfLifeDays:    30,
		MemoryCapPerUser:      150,
		MemoryConfidenceFloor: 0.2,
		MemoryRetrievalLimit:  10,

		CandidateTopK: 8,
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Env overrides always win
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Anthropic.APIKey = apiKey
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Ollama.URL = host
	}

	return cfg, nil
}

// Validate checks the fields the pipeline cannot run without. A failure
// here is fatal: the daemon refuses to start rather than silently skipping
// generation for every user.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir", core.ErrNotConfigured)
	}
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("%w: anthropic api_key", core.ErrNotConfigured)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: pipeline workers must be positive", core.ErrNotConfigured)
	}
	return nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save API key to file
	safeCfg := *c
	safeCfg.Anthropic.APIKey = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
