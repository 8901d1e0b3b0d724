// Package config loads the explicit configuration object shared by the
// orchestrator, compiler, ledger and backend clients. Values come from an
// optional videopipe.yaml with environment overrides; nothing else in the
// codebase reads the environment from inside stage logic, which keeps seed
// and threshold behavior testable without environment mutation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied for any field left unset by file and environment.
const (
	DefaultBackendURL     = "http://127.0.0.1:8188"
	DefaultWorkDir        = "output"
	DefaultFanOut         = 2
	DefaultMaxAttempts    = 3
	DefaultThreshold      = 0.75
	DefaultSessionTimeout = 30 * time.Minute
	DefaultPollTimeout    = 10 * time.Minute
)

// Gemini holds the language-model boundary settings.
type Gemini struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Backend holds the generation backend (ComfyUI-compatible) settings.
type Backend struct {
	URL         string        `yaml:"url"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Pipeline holds the orchestrator policy knobs.
type Pipeline struct {
	FanOut         int           `yaml:"fan_out"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Threshold      float64       `yaml:"consistency_threshold"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Config is the process-wide configuration object. It is constructed once in
// main and passed into every constructor that needs it.
type Config struct {
	Gemini     Gemini   `yaml:"gemini"`
	Backend    Backend  `yaml:"backend"`
	Pipeline   Pipeline `yaml:"pipeline"`
	CrawlerURL string   `yaml:"crawler_url"`
	WorkDir    string   `yaml:"work_dir"`
}

// Load reads the yaml file at path (missing file is not an error), applies
// environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env + defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv("COMFY_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("CRAWLER_URL"); v != "" {
		c.CrawlerURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	if c.Backend.PollTimeout <= 0 {
		c.Backend.PollTimeout = DefaultPollTimeout
	}
	if c.Pipeline.FanOut <= 0 {
		c.Pipeline.FanOut = DefaultFanOut
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = DefaultMaxAttempts
	}
	if c.Pipeline.Threshold <= 0 {
		c.Pipeline.Threshold = DefaultThreshold
	}
	if c.Pipeline.SessionTimeout <= 0 {
		c.Pipeline.SessionTimeout = DefaultSessionTimeout
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
}
