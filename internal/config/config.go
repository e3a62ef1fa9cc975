// Package config loads ollama-acp settings from defaults, an optional YAML
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ollamaacp/internal/observability"
)

const (
	DefaultModel = "llama3.2"
	DefaultHost  = "http://localhost:11434"
	envPrefix    = "OLLAMA_ACP"
	fileName     = "ollama-acp"
)

// Config is the effective configuration.
type Config struct {
	Model    string                      `mapstructure:"model" yaml:"model"`
	Host     string                      `mapstructure:"host" yaml:"host"`
	Log      LogConfig                   `mapstructure:"log" yaml:"log"`
	Sessions SessionsConfig              `mapstructure:"sessions" yaml:"sessions"`
	Serve    ServeConfig                 `mapstructure:"serve" yaml:"serve"`
	Metrics  observability.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing  observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type SessionsConfig struct {
	MaxSessions          int  `mapstructure:"max_sessions" yaml:"max_sessions"`
	KeepCancelledPrompts bool `mapstructure:"keep_cancelled_prompts" yaml:"keep_cancelled_prompts"`
}

type ServeConfig struct {
	Addr      string          `mapstructure:"addr" yaml:"addr"`
	TCPAddr   string          `mapstructure:"tcp_addr" yaml:"tcp_addr"`
	CORS      []string        `mapstructure:"cors" yaml:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig caps websocket connection attempts per client address.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
	Burst     int `mapstructure:"burst" yaml:"burst"`
}

// New returns a viper instance with defaults and environment bindings
// installed. Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The bare Ollama variables are honoured as well.
	_ = v.BindEnv("model", envPrefix+"_MODEL", "OLLAMA_MODEL")
	_ = v.BindEnv("host", envPrefix+"_HOST", "OLLAMA_HOST")
	return v
}

func setDefaults(v *viper.Viper) {
	obs := observability.DefaultConfig()
	v.SetDefault("model", DefaultModel)
	v.SetDefault("host", DefaultHost)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("sessions.max_sessions", 1024)
	v.SetDefault("sessions.keep_cancelled_prompts", false)
	v.SetDefault("serve.addr", "127.0.0.1:8765")
	v.SetDefault("serve.tcp_addr", "")
	v.SetDefault("serve.cors", []string{"*"})
	v.SetDefault("serve.rate_limit.per_minute", 60)
	v.SetDefault("serve.rate_limit.burst", 10)
	v.SetDefault("metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", "")
}

// Load reads the optional config file and decodes v. An explicit path must
// exist; otherwise ollama-acp.yaml is looked up in ~/.config/ollama-acp and
// the working directory and silently skipped when absent.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/ollama-acp")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Host = strings.TrimSpace(cfg.Host)
	return cfg, cfg.Validate()
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must be >= 0, got %d", c.Sessions.MaxSessions))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0,1], got %g", c.Tracing.SampleRate))
	}
	if c.Serve.RateLimit.PerMinute < 0 || c.Serve.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("serve.rate_limit values must be >= 0"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Observability extracts the metrics and tracing settings.
func (c Config) Observability() observability.Config {
	return observability.Config{Metrics: c.Metrics, Tracing: c.Tracing}
}

// Dump renders cfg as YAML.
func Dump(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
