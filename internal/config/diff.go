package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasktimer/pkg/logx"
)

// TimerChanges lists timers by name, each slice sorted.
type TimerChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TimerChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// DiffTimers compares the timer lists of two configs by name.
// A timer whose fields differ in any way is Changed.
func DiffTimers(oldCfg, newCfg *Config) TimerChanges {
	oldByName := timersByName(oldCfg)
	newByName := timersByName(newCfg)

	var out TimerChanges
	for name, nt := range newByName {
		ot, ok := oldByName[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case !reflect.DeepEqual(ot, nt):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}

func timersByName(cfg *Config) map[string]TimerConfig {
	if cfg == nil {
		return map[string]TimerConfig{}
	}
	m := make(map[string]TimerConfig, len(cfg.Timers))
	for _, t := range cfg.Timers {
		m[t.Name] = t
	}
	return m
}

// SummarizeConfigChange returns the changed top-level sections, log fields
// describing them (tokens, exec args and env are never logged), and the timer diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TimerChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.ShutdownTimeout) != strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Duration("scheduler.shutdown_timeout", newCfg.ShutdownTimeout()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = strings.ToLower(strings.TrimSpace(newCfg.Storage.Driver))
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		st := newCfg.Status
		if st == nil {
			st = &StatusConfig{}
		}
		attrs = append(attrs,
			logx.Bool("status.enabled", st.Enabled),
			logx.String("status.addr", strings.TrimSpace(st.Addr)),
			logx.Bool("status.pprof", st.Pprof),
			logx.Bool("status.token_set", strings.TrimSpace(st.Token) != ""),
		)
	}

	tc := DiffTimers(oldCfg, newCfg)
	if !tc.Empty() {
		changed = append(changed, "timers")
		attrs = append(attrs,
			logx.Int("timers.total", len(newCfg.Timers)),
			logx.Any("timers.added", tc.Added),
			logx.Any("timers.removed", tc.Removed),
			logx.Any("timers.changed", tc.Changed),
		)
	}

	return changed, attrs, tc
}
