package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasktimer/internal/config"
	"tasktimer/internal/observability/status"
	"tasktimer/internal/storage"
	logx "tasktimer/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, MaxRecords: sc.MaxRecords}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxRecords: sc.MaxRecords}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	if cfg == nil || cfg.Status == nil {
		return status.Config{}, nil
	}
	sc := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, time.Minute)
	if err != nil {
		return status.Config{}, err
	}
	out := status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}
	if out.Enabled {
		if err := status.CheckBind(out); err != nil {
			return status.Config{}, err
		}
	}
	return out, nil
}

// Check loads and validates the config at cfgPath exactly as NewApp would,
// without opening storage or starting anything.
func Check(cfgPath string) (*config.Config, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	return cfgm.Load()
}

// validate is the app-level config check used for load and hot reload.
func validate(ctx context.Context, cfg *config.Config) error {
	if err := config.Validator(ctx, cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapStatusConfig(cfg)
	return err
}
