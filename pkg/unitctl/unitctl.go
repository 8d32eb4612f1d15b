// Package unitctl starts, stops and restarts systemd units over D-Bus.
package unitctl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")

// Op is a unit job type.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
)

// ParseOp accepts start, stop or restart (case-insensitive). Empty means restart.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpRestart:
		return OpRestart, nil
	case OpStart:
		return OpStart, nil
	case OpStop:
		return OpStop, nil
	default:
		return "", fmt.Errorf("unitctl: unknown op %q", s)
	}
}

var unitSuffixes = []string{".service", ".socket", ".timer", ".target", ".mount", ".path", ".slice", ".scope"}

// UnitName appends ".service" when name carries no unit type suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	for _, s := range unitSuffixes {
		if strings.HasSuffix(name, s) {
			return name
		}
	}
	return name + ".service"
}

// JobError is returned when systemd finished the job with a result other than "done".
type JobError struct {
	Op     Op
	Unit   string
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("unitctl: %s %s: job %s", e.Op, e.Unit, e.Result)
}

func jobResult(op Op, unit, result string) error {
	if result == "done" {
		return nil
	}
	return &JobError{Op: op, Unit: unit, Result: result}
}
