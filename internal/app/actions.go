package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"tasktimer/internal/config"
	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
	"tasktimer/pkg/unitctl"
)

// outputTail is how much combined exec output is kept for error reports.
const outputTail = 2048

// buildAction turns an action block into the resource name and callback
// attached to the timer's listener.
func (a *App) buildAction(name string, ac config.ActionConfig) (string, timer.Callback, error) {
	log := a.log.With(logx.String("comp", "action"), logx.String("timer", name))
	switch strings.ToLower(strings.TrimSpace(ac.Kind)) {
	case config.ActionLog:
		return logAction(log, ac)
	case config.ActionExec:
		return execAction(log, ac)
	case config.ActionUnit:
		return unitAction(log, a.units, ac)
	default:
		return "", nil, fmt.Errorf("unknown action %q", ac.Kind)
	}
}

func logAction(log logx.Logger, ac config.ActionConfig) (string, timer.Callback, error) {
	msg := strings.TrimSpace(ac.Message)
	if msg == "" {
		msg = "tick"
	}
	emit := log.Info
	switch strings.ToLower(strings.TrimSpace(ac.Level)) {
	case "trace":
		emit = log.Trace
	case "debug":
		emit = log.Debug
	case "", "info":
	case "warn", "warning":
		emit = log.Warn
	case "error":
		emit = log.Error
	default:
		return "", nil, fmt.Errorf("action.level: unknown level %q", ac.Level)
	}
	cb := func(_ context.Context, t timer.Tick) error {
		emit(msg, logx.Uint64("seq", t.Seq), logx.Time("scheduled", t.Scheduled))
		return nil
	}
	return "log", cb, nil
}

func execAction(log logx.Logger, ac config.ActionConfig) (string, timer.Callback, error) {
	command := strings.TrimSpace(ac.Command)
	if command == "" {
		return "", nil, errors.New("action.command is required")
	}
	timeout, err := config.ParseDurationField("action.timeout", ac.Timeout)
	if err != nil {
		return "", nil, err
	}
	args := append([]string(nil), ac.Args...)
	env := append([]string(nil), ac.Env...)
	dir := ac.Dir

	cb := func(ctx context.Context, t timer.Tick) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = dir
		// grandchildren holding the pipes open must not outlive the timeout
		cmd.WaitDelay = time.Second
		cmd.Env = append(os.Environ(), env...)
		cmd.Env = append(cmd.Env,
			"TASKTIMER_TIMER="+t.Timer,
			"TASKTIMER_SEQ="+strconv.FormatUint(t.Seq, 10),
			"TASKTIMER_SCHEDULED="+t.Scheduled.Format(time.RFC3339Nano),
		)
		out := &tailBuffer{max: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("exec %s: timed out after %s", command, timeout)
			}
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("exec %s: %w: %s", command, err, tail)
			}
			return fmt.Errorf("exec %s: %w", command, err)
		}
		log.Debug("exec finished", logx.Uint64("seq", t.Seq), logx.Duration("took", took), logx.Int("output_bytes", out.total))
		return nil
	}
	return "exec:" + command, cb, nil
}

// unitRunner is the part of unitctl.Manager used by unit actions.
type unitRunner interface {
	Run(ctx context.Context, op unitctl.Op, unit string) error
}

func unitAction(log logx.Logger, units unitRunner, ac config.ActionConfig) (string, timer.Callback, error) {
	unit := strings.TrimSpace(ac.Unit)
	if unit == "" {
		return "", nil, errors.New("action.unit is required")
	}
	op, err := unitctl.ParseOp(ac.Op)
	if err != nil {
		return "", nil, err
	}
	timeout, err := config.ParseDurationOrDefault("action.timeout", ac.Timeout, time.Minute)
	if err != nil {
		return "", nil, err
	}
	name := unitctl.UnitName(unit)

	cb := func(ctx context.Context, t timer.Tick) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := units.Run(ctx, op, name); err != nil {
			return err
		}
		log.Debug("unit job done", logx.String("unit", name), logx.String("op", string(op)), logx.Uint64("seq", t.Seq))
		return nil
	}
	return "unit:" + name, cb, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max   int
	buf   []byte
	total int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
