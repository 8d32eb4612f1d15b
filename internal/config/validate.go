package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasktimer/pkg/unitctl"
)

// Validate checks the whole file and returns every problem it finds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if st.MaxRecords < 0 {
			errs = append(errs, errors.New("storage.max_records must be >= 0"))
		}
	}

	if st := cfg.Status; st != nil {
		if _, err := ParseDurationField("status.read_timeout", st.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("status.idle_timeout", st.IdleTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Timers))
	for i, t := range cfg.Timers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("timers[%d]: name is required", i))
			continue
		}
		if name != t.Name {
			errs = append(errs, fmt.Errorf("timers[%d]: name %q has surrounding spaces", i, t.Name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("timers[%s]: duplicate name", name))
		}
		seen[name] = struct{}{}

		if _, err := t.Resolve(); err != nil {
			errs = append(errs, err)
		}
		if err := validateAction(name, t.Action); err != nil {
			errs = append(errs, err)
		}
		if b := t.Breaker; b != nil {
			prefix := "timers[" + name + "].breaker"
			if b.Trip < 0 {
				errs = append(errs, fmt.Errorf("%s.trip must be >= 0", prefix))
			}
			for field, raw := range map[string]string{"base_delay": b.BaseDelay, "max_delay": b.MaxDelay, "reset_after": b.ResetAfter} {
				if _, err := ParseDurationField(prefix+"."+field, raw); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func validateAction(name string, a ActionConfig) error {
	prefix := "timers[" + name + "].action"
	switch strings.ToLower(strings.TrimSpace(a.Kind)) {
	case ActionLog:
		if a.Command != "" || len(a.Args) > 0 {
			return fmt.Errorf("%s: command/args are only valid for kind %q", prefix, ActionExec)
		}
	case ActionExec:
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("%s.command is required", prefix)
		}
		if _, err := ParseDurationField(prefix+".timeout", a.Timeout); err != nil {
			return err
		}
	case ActionUnit:
		if strings.TrimSpace(a.Unit) == "" {
			return fmt.Errorf("%s.unit is required", prefix)
		}
		if _, err := unitctl.ParseOp(a.Op); err != nil {
			return fmt.Errorf("%s.op: %w", prefix, err)
		}
		if _, err := ParseDurationField(prefix+".timeout", a.Timeout); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("%s.kind is required", prefix)
	default:
		return fmt.Errorf("%s.kind: unknown action %q", prefix, a.Kind)
	}
	return nil
}

// Validator adapts Validate to ConfigManager.SetValidator.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

// ParseDurationField parses an optional Go duration; empty means 0 and
// negative values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return ParseDurationOrDefault(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
