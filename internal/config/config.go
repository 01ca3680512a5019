// Package config loads the scheduler configuration from YAML, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/t77yq/ping-scheduler/internal/cronexpr"
)

// EnvPrefix prefixes every environment override, e.g. PINGSCHED_SERVER_ADDR
const EnvPrefix = "PINGSCHED"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	NATS      NATSConfig      `mapstructure:"nats"`
	SelfPing  SelfPingConfig  `mapstructure:"self_ping"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Tasks     []TaskConfig    `mapstructure:"tasks"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Disabled       bool          `mapstructure:"disabled"`
	Timezone       string        `mapstructure:"timezone"`
	DefaultPeriod  time.Duration `mapstructure:"default_period"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
}

// Location resolves Timezone. An empty timezone means the process' local zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler.timezone: %w", ErrInvalidConfig, err)
	}
	return loc, nil
}

const (
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type HistoryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Retention   time.Duration `mapstructure:"retention"`
	CleanupCron string        `mapstructure:"cleanup_cron"`
}

// NATSConfig configures result publishing. An empty URL disables it.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Stream         string        `mapstructure:"stream"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// SelfPingConfig enables the in-process pinger. An empty schedule disables it.
type SelfPingConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// MonitorConfig controls host statistics sampling
type MonitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// TaskConfig declares a task in the configuration file. Type selects which
// of the type-specific fields apply.
type TaskConfig struct {
	Name        string        `mapstructure:"name"`
	Description string        `mapstructure:"description"`
	Type        string        `mapstructure:"type"`
	Period      time.Duration `mapstructure:"period"`
	Cron        string        `mapstructure:"cron"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Retries reruns failed work within the same run, waiting RetryDelay
	// and doubling the wait each time
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// shell_command
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	WorkingDir string            `mapstructure:"working_dir"`

	// http_request
	URL            string            `mapstructure:"url"`
	Method         string            `mapstructure:"method"`
	Headers        map[string]string `mapstructure:"headers"`
	Body           string            `mapstructure:"body"`
	ExpectedStatus int               `mapstructure:"expected_status"`

	// sql_exec
	Query string `mapstructure:"query"`

	// file_cleanup
	Path    string        `mapstructure:"path"`
	Pattern string        `mapstructure:"pattern"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ping-scheduler")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("scheduler.disabled", false)
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("scheduler.default_period", 300*time.Second)
	v.SetDefault("scheduler.max_concurrency", 1)
	v.SetDefault("scheduler.ping_timeout", 0)

	v.SetDefault("storage.driver", StorageDriverSQLite)
	v.SetDefault("storage.path", "scheduler.db")
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.cleanup_cron", "@daily")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "SCHEDULER")
	v.SetDefault("nats.subject_prefix", "scheduler")
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("self_ping.schedule", "")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", 30*time.Second)
}

// Load reads the configuration. With an empty path config.yaml is looked up
// in ./config and the working directory, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot check by type alone
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if c.Server.Addr == "" {
		invalid("server.addr is required")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.DefaultPeriod < time.Second {
		invalid("scheduler.default_period must be at least 1s, got %s", c.Scheduler.DefaultPeriod)
	}
	if c.Scheduler.MaxConcurrency < 1 {
		invalid("scheduler.max_concurrency must be positive, got %d", c.Scheduler.MaxConcurrency)
	}

	switch c.Storage.Driver {
	case StorageDriverSQLite:
		if c.Storage.Path == "" {
			invalid("storage.path is required for the sqlite driver")
		}
	case StorageDriverMemory:
	default:
		invalid("storage.driver must be %q or %q, got %q", StorageDriverSQLite, StorageDriverMemory, c.Storage.Driver)
	}

	if c.History.Enabled {
		if c.History.Retention <= 0 {
			invalid("history.retention must be positive")
		}
		if c.History.CleanupCron != "" {
			if _, err := cronexpr.Parse(c.History.CleanupCron); err != nil {
				invalid("history.cleanup_cron: %v", err)
			}
		}
	}

	if c.NATS.URL != "" && c.NATS.Stream == "" {
		invalid("nats.stream is required when nats.url is set")
	}

	if c.Monitor.Enabled && c.Monitor.Interval < time.Second {
		invalid("monitor.interval must be at least 1s, got %s", c.Monitor.Interval)
	}

	if c.SelfPing.Schedule != "" {
		if _, err := cron.ParseStandard(c.SelfPing.Schedule); err != nil {
			invalid("self_ping.schedule: %v", err)
		}
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, task := range c.Tasks {
		switch {
		case task.Name == "":
			invalid("tasks[%d].name is required", i)
		case seen[task.Name]:
			invalid("tasks[%d]: duplicate task name %q", i, task.Name)
		}
		seen[task.Name] = true
		if task.Type == "" {
			invalid("tasks[%d].type is required", i)
		}
		if task.Retries < 0 {
			invalid("tasks[%d].retries must not be negative", i)
		}
	}

	return errors.Join(errs...)
}
