// Package config provides configuration loading for mockupd.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for the daemon.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Feedback FeedbackConfig `koanf:"feedback"`
	Control  ControlConfig  `koanf:"control"`
	Executor ExecutorConfig `koanf:"executor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	// Driver selects the backend: "memory" or "sqlite".
	Driver string `koanf:"driver"`

	// Path is the sqlite database path. Ignored for the memory driver.
	Path string `koanf:"path"`

	// TTL is how long an unsaved session stays alive.
	TTL Duration `koanf:"ttl"`

	// SweepInterval is how often expired sessions are evicted.
	SweepInterval Duration `koanf:"sweep_interval"`
}

// GatewayConfig configures the generative backend.
type GatewayConfig struct {
	Model       string   `koanf:"model"`
	Timeout     Duration `koanf:"timeout"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`

	// RPS and Burst bound outbound provider calls.
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// RecoveryConfig configures retries and circuit breaking.
type RecoveryConfig struct {
	Strategy    string   `koanf:"strategy"`
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
	Jitter      bool     `koanf:"jitter"`

	BreakerThreshold int      `koanf:"breaker_threshold"`
	BreakerWindow    Duration `koanf:"breaker_window"`
	BreakerCooldown  Duration `koanf:"breaker_cooldown"`
}

// FeedbackConfig configures the human approval gate.
type FeedbackConfig struct {
	// Timeout is how long a request may stay pending before the
	// default policy resolves it.
	Timeout Duration `koanf:"timeout"`

	// AutoApprove lists step categories resolved as approved on timeout.
	// Everything else is denied.
	AutoApprove []string `koanf:"auto_approve"`

	SweepInterval Duration `koanf:"sweep_interval"`
}

// ControlConfig configures intent classification.
type ControlConfig struct {
	// ConfidenceThreshold is the minimum LLM classification confidence.
	// Results below it are coerced to a general query.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
}

// ExecutorConfig bounds per-turn plan execution.
type ExecutorConfig struct {
	// Workers caps concurrently running independent plan steps.
	Workers int `koanf:"workers"`

	// StepTimeout bounds each external call within a step.
	StepTimeout Duration `koanf:"step_timeout"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "localhost", Port: 8086},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Driver:        "memory",
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(10 * time.Minute),
		},
		Gateway: GatewayConfig{
			Model:       "gpt-4o-mini",
			Timeout:     Duration(60 * time.Second),
			MaxTokens:   1000,
			Temperature: 0.7,
			RPS:         5,
			Burst:       10,
		},
		Recovery: RecoveryConfig{
			Strategy:         "exponential",
			MaxAttempts:      3,
			BaseDelay:        Duration(time.Second),
			MaxDelay:         Duration(30 * time.Second),
			Jitter:           true,
			BreakerThreshold: 5,
			BreakerWindow:    Duration(time.Minute),
			BreakerCooldown:  Duration(30 * time.Second),
		},
		Feedback: FeedbackConfig{
			Timeout:       Duration(24 * time.Hour),
			AutoApprove:   []string{"low_risk"},
			SweepInterval: Duration(time.Minute),
		},
		Control:  ControlConfig{ConfidenceThreshold: 0.6},
		Executor: ExecutorConfig{Workers: 4, StepTimeout: Duration(60 * time.Second)},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver: %q", c.Store.Driver)
	}
	if c.Store.TTL.Duration() <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	switch c.Recovery.Strategy {
	case "linear", "exponential", "fibonacci":
	default:
		return fmt.Errorf("unknown recovery.strategy: %q", c.Recovery.Strategy)
	}
	if c.Recovery.MaxAttempts < 1 {
		return fmt.Errorf("recovery.max_attempts must be at least 1")
	}
	if c.Recovery.BreakerThreshold < 1 {
		return fmt.Errorf("recovery.breaker_threshold must be at least 1")
	}
	if c.Control.ConfidenceThreshold < 0 || c.Control.ConfidenceThreshold > 1 {
		return fmt.Errorf("control.confidence_threshold must be in [0,1]")
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor.workers must be at least 1")
	}
	return nil
}
