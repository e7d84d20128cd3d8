// Package model defines the data structures for fetchd's configuration, tasks and
// their state machine.
package model

import "time"

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Workers   WorkersConfig   `yaml:"workers"`
	Admission AdmissionConfig `yaml:"admission"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Retry     RetryConfig     `yaml:"retry"`
	Progress  ProgressConfig  `yaml:"progress"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Notify    NotifyConfig    `yaml:"notify"`
	Audit     AuditConfig     `yaml:"audit"`
	State     StateConfig     `yaml:"state"`
	Retention RetentionConfig `yaml:"retention"`
	Events    EventsConfig    `yaml:"events"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StorageConfig struct {
	Root             string   `yaml:"root"`
	Reserve          ByteSize `yaml:"reserve"`           // never consumed by tasks
	WarningThreshold ByteSize `yaml:"warning_threshold"` // space_warning below this
	MaxFileSize      ByteSize `yaml:"max_file_size"`     // 0 disables the check
}

type WorkersConfig struct {
	Count int `yaml:"count"`
}

type AdmissionConfig struct {
	// MaxSkips bounds how often a waiting task may be overtaken. 0 = unbounded.
	MaxSkips int `yaml:"max_skips"`
}

type MonitorConfig struct {
	IntervalSec int  `yaml:"interval_sec"`
	MaxWaitSec  int  `yaml:"max_wait_sec"`
	WatchFS     bool `yaml:"watch_fs"`
	DebounceMs  int  `yaml:"debounce_ms"`
}

type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
}

type ProgressConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

type TransportConfig struct {
	UserAgent      string `yaml:"user_agent"`
	ConnectTimeout int    `yaml:"connect_timeout_sec"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
}

type AuthConfig struct {
	AuthorizedOwners []string `yaml:"authorized_owners"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxSizeMB int  `yaml:"max_size_mb"`
	Checksum  bool `yaml:"checksum"`
}

type StateConfig struct {
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
}

type RetentionConfig struct {
	// TerminalTTLSec evicts finished tasks older than this. 0 keeps them forever.
	TerminalTTLSec int `yaml:"terminal_ttl_sec"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultWorkers          = 3
	DefaultReserve          = 5 * GB
	DefaultWarningThreshold = 10 * GB
	DefaultMonitorInterval  = 30 * time.Second
	DefaultMaxWait          = 24 * time.Hour
	DefaultDebounce         = 500 * time.Millisecond
	DefaultMaxAttempts      = 3
	DefaultBaseDelay        = 2 * time.Second
	DefaultMultiplier       = 2.0
	DefaultMaxDelay         = 5 * time.Minute
	DefaultProgressInterval = 2 * time.Second
	DefaultSnapshotInterval = 15 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultEventBuffer      = 100
)

// WorkerCount returns the configured pool size, at least 1.
func (c WorkersConfig) WorkerCount() int {
	if c.Count <= 0 {
		return DefaultWorkers
	}
	return c.Count
}

func (c MonitorConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return DefaultMonitorInterval
	}
	return time.Duration(c.IntervalSec) * time.Second
}

func (c MonitorConfig) MaxWait() time.Duration {
	if c.MaxWaitSec <= 0 {
		return DefaultMaxWait
	}
	return time.Duration(c.MaxWaitSec) * time.Second
}

func (c MonitorConfig) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return DefaultDebounce
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c ProgressConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return DefaultProgressInterval
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c StateConfig) SnapshotInterval() time.Duration {
	if c.SnapshotIntervalSec <= 0 {
		return DefaultSnapshotInterval
	}
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSec <= 0 {
		return DefaultShutdownTimeout
	}
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c RetentionConfig) TerminalTTL() time.Duration {
	return time.Duration(c.TerminalTTLSec) * time.Second
}

func (c EventsConfig) Buffer() int {
	if c.BufferSize <= 0 {
		return DefaultEventBuffer
	}
	return c.BufferSize
}
