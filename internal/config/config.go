// Package config loads presenced configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the PRESENCE_CONFIG environment variable. Values in the file are merged
// over Default(); when no file is named the defaults are used as is.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"go-agent-presence/internal/fsm"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "PRESENCE_CONFIG"

// Config is the complete presenced configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Notify       NotifyConfig       `yaml:"notify"`
	Resume       ResumeConfig       `yaml:"resume"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthToken, when set, is required as a bearer token on every route
	// except /health.
	AuthToken string `yaml:"auth_token"`

	// IngestRatePerMinute caps ingest requests per client IP. Zero disables
	// the limit.
	IngestRatePerMinute int `yaml:"ingest_rate_per_minute"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// StateMachineConfig configures failure classification and timers.
type StateMachineConfig struct {
	FatalKeywords            []string `yaml:"fatal_keywords"`
	RetryableKeywords        []string `yaml:"retryable_keywords"`
	FatalConsecutiveFailures int      `yaml:"fatal_consecutive_failures"`

	IdleToRestingSecs        int `yaml:"idle_to_resting_secs"`
	CompletedToDisappearSecs int `yaml:"completed_to_disappear_secs"`
	ChattingToReturningSecs  int `yaml:"chatting_to_returning_secs"`
}

// HeartbeatConfig configures the timer scan.
type HeartbeatConfig struct {
	IntervalSecs int `yaml:"interval_secs"`

	// StaleSessionSecs deactivates terminal sessions with no event for
	// this long.
	StaleSessionSecs int `yaml:"stale_session_secs"`
}

// NotifyConfig configures notification transports.
type NotifyConfig struct {
	// RedisAddr enables Redis pub/sub fan-out when set.
	RedisAddr   string `yaml:"redis_addr"`
	TopicPrefix string `yaml:"topic_prefix"`

	// WebsocketBuffer is the per-client queue length.
	WebsocketBuffer int `yaml:"websocket_buffer"`

	// BoardTTLSecs expires mirrored presence entries in Redis. Zero keeps
	// them until the agent departs.
	BoardTTLSecs int `yaml:"board_ttl_secs"`
}

// ResumeConfig configures the agent resume view.
type ResumeConfig struct {
	RecentEventsLimit int `yaml:"recent_events_limit"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	sm := fsm.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                4820,
			IngestRatePerMinute: 600,
		},
		Storage: StorageConfig{
			Path: "${HOME}/.local/share/presenced/presence.db",
		},
		StateMachine: StateMachineConfig{
			FatalKeywords:            sm.FatalKeywords,
			RetryableKeywords:        sm.RetryableKeywords,
			FatalConsecutiveFailures: sm.FatalConsecutiveFailures,
			IdleToRestingSecs:        int(sm.IdleTimeout / time.Second),
			CompletedToDisappearSecs: int(sm.CompletedTimeout / time.Second),
			ChattingToReturningSecs:  int(sm.ChatTimeout / time.Second),
		},
		Heartbeat: HeartbeatConfig{
			IntervalSecs:     10,
			StaleSessionSecs: 300,
		},
		Notify: NotifyConfig{
			TopicPrefix:     "presence",
			WebsocketBuffer: 64,
			BoardTTLSecs:    86400,
		},
		Resume: ResumeConfig{RecentEventsLimit: 50},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the file named by PRESENCE_CONFIG, or the defaults when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.Storage.Path = expandVars(c.Storage.Path)
	c.Server.AuthToken = expandVars(c.Server.AuthToken)
	c.Notify.RedisAddr = expandVars(c.Notify.RedisAddr)
}

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.IngestRatePerMinute < 0 {
		errs = append(errs, errors.New("server.ingest_rate_per_minute must not be negative"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.StateMachine.FatalConsecutiveFailures < 1 {
		errs = append(errs, errors.New("state_machine.fatal_consecutive_failures must be at least 1"))
	}
	if c.StateMachine.IdleToRestingSecs <= 0 || c.StateMachine.CompletedToDisappearSecs <= 0 ||
		c.StateMachine.ChattingToReturningSecs <= 0 {
		errs = append(errs, errors.New("state_machine timer thresholds must be positive"))
	}
	if c.Heartbeat.IntervalSecs <= 0 {
		errs = append(errs, errors.New("heartbeat.interval_secs must be positive"))
	}
	if c.Heartbeat.StaleSessionSecs <= 0 {
		errs = append(errs, errors.New("heartbeat.stale_session_secs must be positive"))
	}
	if c.Notify.BoardTTLSecs < 0 {
		errs = append(errs, errors.New("notify.board_ttl_secs must not be negative"))
	}
	if c.Resume.RecentEventsLimit <= 0 {
		errs = append(errs, errors.New("resume.recent_events_limit must be positive"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Machine converts the state machine section into fsm.Config.
func (c *Config) Machine() fsm.Config {
	sm := c.StateMachine
	return fsm.Config{
		FatalKeywords:            sm.FatalKeywords,
		RetryableKeywords:        sm.RetryableKeywords,
		FatalConsecutiveFailures: sm.FatalConsecutiveFailures,
		IdleTimeout:              time.Duration(sm.IdleToRestingSecs) * time.Second,
		CompletedTimeout:         time.Duration(sm.CompletedToDisappearSecs) * time.Second,
		ChatTimeout:              time.Duration(sm.ChattingToReturningSecs) * time.Second,
	}
}

// HeartbeatInterval returns the timer scan interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSecs) * time.Second
}

// StaleSessionAfter returns how long a terminal session may stay silent
// before it is marked inactive.
func (c *Config) StaleSessionAfter() time.Duration {
	return time.Duration(c.Heartbeat.StaleSessionSecs) * time.Second
}

// BoardTTL returns the expiry of mirrored presence entries.
func (c *Config) BoardTTL() time.Duration {
	return time.Duration(c.Notify.BoardTTLSecs) * time.Second
}
