package config

import (
	"fmt"
	"strings"
	"time"

	"tasktimer/internal/task/timer"
)

// Config is the daemon configuration file.
//
// Example (YAML):
//
//	logging: { level: info, console: true }
//	scheduler: { timezone: Asia/Jakarta, shutdown_timeout: 10s }
//	storage: { driver: file, path: ./data/journal }
//	timers:
//	  - name: heartbeat
//	    interval: 30s
//	    action: { kind: log, message: still alive }
//	  - name: backup
//	    interval: 1h
//	    delay: 5m
//	    runs: 24
//	    action: { kind: exec, command: /usr/local/bin/backup, timeout: 10m }
//	  - name: cache-flush
//	    interval: 24h
//	    action: { kind: unit, unit: cache-flush, op: restart, timeout: 1m }
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    *StatusConfig   `json:"status,omitempty"`
	Timers    []TimerConfig   `json:"timers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the shared trigger loop.
type SchedulerConfig struct {
	// Timezone is an IANA name; empty means the host local zone.
	Timezone string `json:"timezone,omitempty"`
	// ShutdownTimeout bounds how long shutdown waits for in-flight runs.
	// Go duration string, default "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig controls the optional run journal.
//
//	"storage": { "driver": "sqlite", "path": "./data/journal.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxRecords  int    `json:"max_records,omitempty"`
}

// StatusConfig controls the read-only HTTP status server.
//
// Prefer a loopback addr; a public bind needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// TimerConfig declares one recurring timer and the action it runs.
//
// Interval and Delay are Go duration strings with millisecond resolution.
// Delay and Runs are optional: an omitted delay defaults to the interval,
// omitted runs means the timer never completes on its own.
type TimerConfig struct {
	Name     string       `json:"name"`
	Interval string       `json:"interval"`
	Delay    string       `json:"delay,omitempty"`
	Runs     *int64       `json:"runs,omitempty"`
	Disabled bool         `json:"disabled,omitempty"`
	Action   ActionConfig `json:"action"`

	// Breaker pauses the action after repeated failures. Omitted means off.
	Breaker *BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig is a consecutive-failure circuit breaker with exponential
// cooldown. Durations are Go duration strings.
//
// Defaults: trip 5, base_delay "5s", max_delay "2m", reset_after "5m".
type BreakerConfig struct {
	Trip       int    `json:"trip,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

const (
	ActionLog  = "log"
	ActionExec = "exec"
	ActionUnit = "unit"
)

type ActionConfig struct {
	Kind string `json:"kind"`

	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// exec
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout string   `json:"timeout,omitempty"`

	// unit: systemd unit job (start|stop|restart, default restart)
	Unit string `json:"unit,omitempty"`
	Op   string `json:"op,omitempty"`
}

// Params converts the textual timer fields into resolver input.
func (t TimerConfig) Params() (timer.Params, error) {
	prefix := "timers[" + t.Name + "]"
	iv, err := parseMillis(prefix+".interval", t.Interval)
	if err != nil {
		return timer.Params{}, err
	}
	p := timer.Params{Interval: iv}
	if strings.TrimSpace(t.Delay) != "" {
		d, err := parseMillis(prefix+".delay", t.Delay)
		if err != nil {
			return timer.Params{}, err
		}
		p.Delay = &d
	}
	if t.Runs != nil {
		n := *t.Runs
		p.NoOfRuns = &n
	}
	return p, nil
}

// Resolve validates the timer fields and fills defaults.
func (t TimerConfig) Resolve() (timer.Configuration, error) {
	p, err := t.Params()
	if err != nil {
		return timer.Configuration{}, err
	}
	cfg, err := timer.Resolve(p)
	if err != nil {
		return timer.Configuration{}, fmt.Errorf("timers[%s]: %w", t.Name, err)
	}
	return cfg, nil
}

// parseMillis parses a duration string into whole milliseconds. Sub-millisecond
// remainders are rejected rather than rounded.
func parseMillis(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%s: %w: duration is required", path, timer.ErrInvalidConfiguration)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d%time.Millisecond != 0 {
		return 0, fmt.Errorf("%s: %w: %q is not a whole number of milliseconds", path, timer.ErrInvalidConfiguration, raw)
	}
	return d.Milliseconds(), nil
}

// ShutdownTimeout returns scheduler.shutdown_timeout or its default.
func (c *Config) ShutdownTimeout() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Location returns the scheduler timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Timer returns the timer named name.
func (c *Config) Timer(name string) (TimerConfig, bool) {
	for _, t := range c.Timers {
		if t.Name == name {
			return t, true
		}
	}
	return TimerConfig{}, false
}
