// Package config loads the agent configuration from defaults, an optional
// YAML file, and the environment, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/aiagent/agentloop"
	"github.com/martinemde/aiagent/unifiedllm"
)

type Config struct {
	APIKey        string        `yaml:"api_key" env:"GEMINI_API_KEY"`
	Provider      string        `yaml:"provider" env:"AIAGENT_PROVIDER" validate:"required"`
	Model         string        `yaml:"model" env:"AIAGENT_MODEL" validate:"required"`
	WorkingDir    string        `yaml:"working_dir" env:"AIAGENT_WORKDIR" validate:"required"`
	MaxCalls      int           `yaml:"max_calls" env:"AIAGENT_MAX_CALLS" validate:"gte=1,lte=100"`
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"AIAGENT_SCRIPT_TIMEOUT" validate:"gt=0"`
	Interpreter   string        `yaml:"interpreter" env:"AIAGENT_INTERPRETER" validate:"required"`
	MaxRetries    int           `yaml:"max_retries" env:"AIAGENT_MAX_RETRIES" validate:"gte=0,lte=10"`
	DatabasePath  string        `yaml:"database_path" env:"AIAGENT_DB"`
	Verbose       bool          `yaml:"verbose" env:"AIAGENT_VERBOSE"`
}

func Default() Config {
	return Config{
		Provider:      "google-openai",
		Model:         "gemini-2.0-flash-001",
		WorkingDir:    ".",
		MaxCalls:      agentloop.DefaultMaxCalls,
		ScriptTimeout: agentloop.DefaultScriptTimeout,
		Interpreter:   agentloop.DefaultInterpreter,
		MaxRetries:    unifiedllm.DefaultRetryPolicy().MaxRetries,
	}
}

// Load reads the configuration using the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, env.ToMap(os.Environ()))
}

// LoadWithEnv reads the configuration with environ as the environment layer.
// Unset variables leave the earlier layers untouched.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if environ == nil {
		environ = map[string]string{}
	}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return cfg, fmt.Errorf("config environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SessionConfig derives the loop configuration.
func (c Config) SessionConfig() agentloop.SessionConfig {
	return agentloop.SessionConfig{
		Model:    c.Model,
		Provider: c.Provider,
		MaxCalls: c.MaxCalls,
		Verbose:  c.Verbose,
	}
}

// EnvironmentOptions derives the execution environment options.
func (c Config) EnvironmentOptions() []agentloop.LocalEnvOption {
	return []agentloop.LocalEnvOption{
		agentloop.WithInterpreter(c.Interpreter),
		agentloop.WithScriptTimeout(c.ScriptTimeout),
	}
}

// RetryPolicy derives the model-call retry policy.
func (c Config) RetryPolicy() unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = c.MaxRetries
	return policy
}
