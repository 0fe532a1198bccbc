// Package config loads the taskhost CLI configuration from a YAML file and
// TASKHOST_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/taskhost"
)

// Store drivers understood by the CLI.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBun      = "bun"
	DriverRedis    = "redis"
)

// Lease backends understood by the CLI.
const (
	LeaseBackendStore = "store"
	LeaseBackendK8s   = "k8s"
)

// File is the top-level configuration loaded from file/env.
type File struct {
	Store  Store                             `yaml:"store"`
	Lease  Lease                             `yaml:"lease"`
	Host   Host                              `yaml:"host"`
	Queues []taskhost.QueueDescriptor        `yaml:"queues"`
	Jobs   []taskhost.ScheduledJobDescriptor `yaml:"jobs"`
}

// Store selects and addresses the persistence backend.
type Store struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Lease selects where named locks live. The default keeps them in the main
// store.
type Lease struct {
	Backend    string `yaml:"backend"`
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
}

// Host carries host-wide settings. Zero durations fall back to
// taskhost.DefaultConfig.
type Host struct {
	Holder               string        `yaml:"holder"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
	LeaseDuration        time.Duration `yaml:"lease_duration"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	BasePollInterval     time.Duration `yaml:"base_poll_interval"`
	MaxPollInterval      time.Duration `yaml:"max_poll_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	CleanupBatchSize     int           `yaml:"cleanup_batch_size"`
	Retention            time.Duration `yaml:"retention"`
	LeaseCleanupInterval time.Duration `yaml:"lease_cleanup_interval"`

	// Audit logs every lifecycle event as a structured audit record.
	Audit bool `yaml:"audit"`
}

// Default returns built-in defaults: an in-memory store and info logging.
func Default() File {
	return File{
		Store: Store{Driver: DriverMemory},
		Lease: Lease{Backend: LeaseBackendStore, Namespace: "default"},
		Host:  Host{LogLevel: "info", LogFormat: "text"},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads configuration from a YAML file and overlays TASKHOST_*
// environment variables. If path is empty, only defaults and the
// environment apply.
func Load(path string) (File, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (File, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, &cfg); err != nil {
			return File{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.overlay(lookup); err != nil {
		return File{}, err
	}
	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

func decode(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (f *File) overlay(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("TASKHOST_STORE_DRIVER", &f.Store.Driver)
	str("TASKHOST_STORE_DSN", &f.Store.DSN)
	str("TASKHOST_STORE_KEY_PREFIX", &f.Store.KeyPrefix)
	str("TASKHOST_LEASE_BACKEND", &f.Lease.Backend)
	str("TASKHOST_LEASE_NAMESPACE", &f.Lease.Namespace)
	str("TASKHOST_KUBECONFIG", &f.Lease.Kubeconfig)
	str("TASKHOST_HOLDER", &f.Host.Holder)
	str("TASKHOST_LOG_LEVEL", &f.Host.LogLevel)
	str("TASKHOST_LOG_FORMAT", &f.Host.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TASKHOST_LEASE_DURATION", &f.Host.LeaseDuration},
		{"TASKHOST_SHUTDOWN_TIMEOUT", &f.Host.ShutdownTimeout},
		{"TASKHOST_BASE_POLL_INTERVAL", &f.Host.BasePollInterval},
		{"TASKHOST_MAX_POLL_INTERVAL", &f.Host.MaxPollInterval},
		{"TASKHOST_RETENTION", &f.Host.Retention},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("TASKHOST_CLEANUP_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TASKHOST_CLEANUP_BATCH_SIZE: %w", err)
		}
		f.Host.CleanupBatchSize = n
	}
	if v, ok := lookup("TASKHOST_AUDIT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TASKHOST_AUDIT: %w", err)
		}
		f.Host.Audit = b
	}
	return nil
}

// Validate checks driver names and required fields.
func (f File) Validate() error {
	switch f.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverBun, DriverRedis:
		if f.Store.DSN == "" {
			return fmt.Errorf("store %q: dsn is required", f.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", f.Store.Driver)
	}

	switch f.Lease.Backend {
	case "", LeaseBackendStore:
	case LeaseBackendK8s:
		if f.Lease.Namespace == "" {
			return errors.New("lease backend k8s: namespace is required")
		}
	default:
		return fmt.Errorf("unknown lease backend %q", f.Lease.Backend)
	}
	return nil
}

// HostConfig merges the host section over taskhost.DefaultConfig.
func (f File) HostConfig() taskhost.Config {
	cfg := taskhost.DefaultConfig()
	h := f.Host

	cfg.Holder = h.Holder
	setDuration(&cfg.LeaseDuration, h.LeaseDuration)
	setDuration(&cfg.ShutdownTimeout, h.ShutdownTimeout)
	setDuration(&cfg.BasePollInterval, h.BasePollInterval)
	setDuration(&cfg.MaxPollInterval, h.MaxPollInterval)
	setDuration(&cfg.CleanupInterval, h.CleanupInterval)
	setDuration(&cfg.Retention, h.Retention)
	setDuration(&cfg.LeaseCleanupInterval, h.LeaseCleanupInterval)
	if h.CleanupBatchSize > 0 {
		cfg.CleanupBatchSize = h.CleanupBatchSize
	}
	return cfg
}

// Queue returns the configured descriptor for name with host defaults
// applied, or a default descriptor when the file does not declare it.
func (f File) Queue(name string) taskhost.QueueDescriptor {
	for _, q := range f.Queues {
		if q.Name == name {
			return q.WithDefaults(f.HostConfig())
		}
	}
	return taskhost.QueueDescriptor{Name: name}.WithDefaults(f.HostConfig())
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
