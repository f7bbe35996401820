// Package config loads the admission service configuration from YAML with
// ADMISSION_* environment overrides.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"gopkg.in/yaml.v3"

	admission "github.com/goliatone/go-admission"
	"github.com/goliatone/go-admission/dispatch"
	"github.com/goliatone/go-admission/policy"
	"github.com/goliatone/go-admission/scheduler"
	"github.com/goliatone/go-admission/store"
)

const EnvPrefix = "ADMISSION_"

const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindMQTT     = "mqtt"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Lock      LockConfig      `yaml:"lock"`
	Transport TransportConfig `yaml:"transport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Kind        string             `yaml:"kind"`
	Table       string             `yaml:"table"`
	SQLite      store.SQLiteConfig `yaml:"sqlite"`
	PostgresDSN string             `yaml:"postgres_dsn"`
}

// QueueConfig selects the execution queue backend. A sqlite queue shares the
// store's database file.
type QueueConfig struct {
	Kind   string `yaml:"kind"`
	Table  string `yaml:"table"`
	Prefix string `yaml:"prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// LockConfig tunes the lock service. Without Redis the local lock is used.
type LockConfig struct {
	Prefix         string        `yaml:"prefix"`
	TTL            time.Duration `yaml:"ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type TransportConfig struct {
	Kind string              `yaml:"kind"`
	MQTT dispatch.MQTTConfig `yaml:"mqtt"`
}

type SchedulerConfig struct {
	WorkerID            string        `yaml:"worker_id"`
	Redelay             time.Duration `yaml:"redelay"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxIdleBackoff      time.Duration `yaml:"max_idle_backoff"`
	BatchSize           int           `yaml:"batch_size"`
	RecoveryWindow      time.Duration `yaml:"recovery_window"`
	RecoverySchedule    string        `yaml:"recovery_schedule"`
	CompletionDedupeTTL time.Duration `yaml:"completion_dedupe_ttl"`
}

// PoliciesConfig lists policy definitions inline, from a file, or both. File
// definitions come first.
type PoliciesConfig struct {
	File        string              `yaml:"file"`
	Definitions []policy.Definition `yaml:"definitions"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Defaults returns a configuration that runs everything in process.
func Defaults() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "console"},
		Store:     StoreConfig{Kind: KindMemory, Table: "runs", SQLite: store.SQLiteConfig{Path: "admission.db", BusyTimeout: 5, WALMode: true}},
		Queue:     QueueConfig{Kind: KindMemory, Table: "execution_queue", Prefix: "admission:queue"},
		Lock:      LockConfig{Prefix: "admission:lock:", TTL: 30 * time.Second, AcquireTimeout: 10 * time.Second},
		Transport: TransportConfig{Kind: KindMemory},
		Scheduler: SchedulerConfig{
			Redelay:             scheduler.DefaultRedelay,
			PollInterval:        scheduler.DefaultPollInterval,
			MaxIdleBackoff:      scheduler.DefaultMaxIdleBackoff,
			BatchSize:           scheduler.DefaultBatchSize,
			RecoveryWindow:      scheduler.DefaultRecoveryWindow,
			RecoverySchedule:    scheduler.DefaultRecoverySchedule,
			CompletionDedupeTTL: scheduler.DefaultCompletionDedupeTTL,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9464", Path: "/metrics"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, admission.NewError(admission.ErrInvalidConfig, "read config file", err, map[string]any{
				"path": path,
			})
		}
		if err := decodeInto(bytes.NewReader(data), &cfg); err != nil {
			return cfg, admission.NewError(admission.ErrInvalidConfig, "parse config file", err, map[string]any{
				"path": path,
			})
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(r io.Reader) (Config, error) {
	cfg := Defaults()
	if err := decodeInto(r, &cfg); err != nil {
		return cfg, admission.NewError(admission.ErrInvalidConfig, "parse config", err, nil)
	}
	return cfg, cfg.Validate()
}

func decodeInto(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from ADMISSION_* variables. Unset variables keep
// the current value.
func (c *Config) ApplyEnv() error {
	var fields []apperrors.FieldError
	bad := func(key, msg string, err error) {
		fields = append(fields, apperrors.FieldError{Field: EnvPrefix + key, Message: msg + ": " + err.Error()})
	}

	strs := map[string]*string{
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
		"STORE_KIND":        &c.Store.Kind,
		"SQLITE_PATH":       &c.Store.SQLite.Path,
		"POSTGRES_DSN":      &c.Store.PostgresDSN,
		"QUEUE_KIND":        &c.Queue.Kind,
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"TRANSPORT_KIND":    &c.Transport.Kind,
		"MQTT_BROKER":       &c.Transport.MQTT.Broker,
		"MQTT_USERNAME":     &c.Transport.MQTT.Username,
		"MQTT_PASSWORD":     &c.Transport.MQTT.Password,
		"MQTT_TOPIC_PREFIX": &c.Transport.MQTT.TopicPrefix,
		"WORKER_ID":         &c.Scheduler.WorkerID,
		"RECOVERY_SCHEDULE": &c.Scheduler.RecoverySchedule,
		"POLICIES_FILE":     &c.Policies.File,
		"METRICS_ADDR":      &c.Metrics.Addr,
	}
	for key, dst := range strs {
		v, err := env.GetAsString(EnvPrefix+key, false, *dst)
		if err != nil {
			bad(key, "unreadable", err)
			continue
		}
		*dst = strings.TrimSpace(v)
	}

	durations := map[string]*time.Duration{
		"REDELAY":         &c.Scheduler.Redelay,
		"POLL_INTERVAL":   &c.Scheduler.PollInterval,
		"RECOVERY_WINDOW": &c.Scheduler.RecoveryWindow,
	}
	for key, dst := range durations {
		raw, err := env.GetAsString(EnvPrefix+key, false, "")
		if err != nil {
			bad(key, "unreadable", err)
			continue
		}
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			bad(key, "not a duration", err)
			continue
		}
		*dst = d
	}

	if n, err := env.GetAsInt(EnvPrefix+"BATCH_SIZE", false, c.Scheduler.BatchSize); err != nil {
		bad("BATCH_SIZE", "not an integer", err)
	} else {
		c.Scheduler.BatchSize = n
	}
	if b, err := env.GetAsBool(EnvPrefix+"METRICS_ENABLED", false, c.Metrics.Enabled); err != nil {
		bad("METRICS_ENABLED", "not a boolean", err)
	} else {
		c.Metrics.Enabled = b
	}

	if len(fields) > 0 {
		return invalid("invalid environment overrides", fields)
	}
	return nil
}

// Validate checks backend kinds and the settings each backend needs.
func (c Config) Validate() error {
	var fields []apperrors.FieldError
	add := func(field, msg string, value any) {
		fields = append(fields, apperrors.FieldError{Field: field, Message: msg, Value: value})
	}

	switch c.Store.Kind {
	case KindMemory:
	case KindSQLite:
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			add("store.sqlite.path", "required for the sqlite store", nil)
		}
	case KindPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			add("store.postgres_dsn", "required for the postgres store", nil)
		}
	default:
		add("store.kind", "must be memory, sqlite or postgres", c.Store.Kind)
	}

	switch c.Queue.Kind {
	case KindMemory:
	case KindSQLite:
		if c.Store.Kind != KindSQLite {
			add("queue.kind", "the sqlite queue shares the sqlite store database", c.Queue.Kind)
		}
	case KindRedis:
		if !c.Redis.Enabled() {
			add("redis.addr", "required for the redis queue", nil)
		}
	default:
		add("queue.kind", "must be memory, sqlite or redis", c.Queue.Kind)
	}

	switch c.Transport.Kind {
	case KindMemory:
	case KindMQTT:
		if strings.TrimSpace(c.Transport.MQTT.Broker) == "" {
			add("transport.mqtt.broker", "required for the mqtt transport", nil)
		}
	default:
		add("transport.kind", "must be memory or mqtt", c.Transport.Kind)
	}

	s := c.Scheduler
	if s.Redelay <= 0 {
		add("scheduler.redelay", "must be positive", s.Redelay.String())
	}
	if s.PollInterval <= 0 {
		add("scheduler.poll_interval", "must be positive", s.PollInterval.String())
	}
	if s.MaxIdleBackoff < s.PollInterval {
		add("scheduler.max_idle_backoff", "must not be below poll_interval", s.MaxIdleBackoff.String())
	}
	if s.BatchSize <= 0 {
		add("scheduler.batch_size", "must be positive", s.BatchSize)
	}
	if s.RecoveryWindow <= 0 {
		add("scheduler.recovery_window", "must be positive", s.RecoveryWindow.String())
	}
	if s.CompletionDedupeTTL <= 0 {
		add("scheduler.completion_dedupe_ttl", "must be positive", s.CompletionDedupeTTL.String())
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		add("metrics.addr", "required when metrics are enabled", nil)
	}

	if len(fields) > 0 {
		return invalid("invalid configuration", fields)
	}
	return nil
}

func invalid(msg string, fields []apperrors.FieldError) error {
	return apperrors.NewValidation(msg, fields...).WithTextCode(admission.ErrCodeInvalidConfig)
}
