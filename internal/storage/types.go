package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const defaultMaxRecords = 10000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRecords bounds the journal size; 0 means 10000.
	MaxRecords int
}

// RunRecord is one journal line: a tick outcome or a lifecycle change.
// Keep it compact and schema-stable.
type RunRecord struct {
	At            time.Time `json:"at"`
	Timer         string    `json:"timer"`
	Event         string    `json:"event"`
	Seq           uint64    `json:"seq,omitempty"`
	Scheduled     time.Time `json:"scheduled,omitempty"`
	TookMS        int64     `json:"took_ms,omitempty"`
	RunsCompleted int64     `json:"runs_completed"`
	Error         string    `json:"error,omitempty"`
}
