package timer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Params is the raw timer input supplied by a host.
//
// All durations are milliseconds. A nil Delay defaults to Interval,
// a nil NoOfRuns means the timer never completes on its own.
type Params struct {
	Interval int64  `json:"interval"`
	Delay    *int64 `json:"delay,omitempty"`
	NoOfRuns *int64 `json:"noOfRuns,omitempty"`
}

// Configuration is a resolved timer configuration.
//
// The zero value is not valid; use Resolve or NewConfiguration.
type Configuration struct {
	interval int64
	delay    int64
	noOfRuns int64
	bounded  bool
}

// Resolve validates p and applies the defaulting rules.
func Resolve(p Params) (Configuration, error) {
	if p.Interval <= 0 {
		return Configuration{}, fmt.Errorf("%w: interval must be > 0, got %d", ErrInvalidConfiguration, p.Interval)
	}
	c := Configuration{interval: p.Interval, delay: p.Interval}
	if p.Delay != nil {
		if *p.Delay <= 0 {
			return Configuration{}, fmt.Errorf("%w: delay must be > 0, got %d", ErrInvalidConfiguration, *p.Delay)
		}
		c.delay = *p.Delay
	}
	if p.NoOfRuns != nil {
		if *p.NoOfRuns <= 0 {
			return Configuration{}, fmt.Errorf("%w: noOfRuns must be > 0, got %d", ErrInvalidConfiguration, *p.NoOfRuns)
		}
		c.noOfRuns = *p.NoOfRuns
		c.bounded = true
	}
	return c, nil
}

// ConfigOption supplies an optional parameter to NewConfiguration.
type ConfigOption func(*Params)

// WithDelay sets the time before the first tick.
func WithDelay(d time.Duration) ConfigOption {
	return func(p *Params) {
		ms := d.Milliseconds()
		p.Delay = &ms
	}
}

// WithNoOfRuns bounds the number of successful runs.
func WithNoOfRuns(n int64) ConfigOption {
	return func(p *Params) { p.NoOfRuns = &n }
}

// NewConfiguration is Resolve for callers holding time.Duration values.
// Sub-millisecond precision is truncated.
func NewConfiguration(interval time.Duration, opts ...ConfigOption) (Configuration, error) {
	p := Params{Interval: interval.Milliseconds()}
	for _, o := range opts {
		if o != nil {
			o(&p)
		}
	}
	return Resolve(p)
}

func (c Configuration) Interval() time.Duration { return time.Duration(c.interval) * time.Millisecond }
func (c Configuration) Delay() time.Duration    { return time.Duration(c.delay) * time.Millisecond }
func (c Configuration) IntervalMillis() int64   { return c.interval }
func (c Configuration) DelayMillis() int64      { return c.delay }

// NoOfRuns returns the run bound and whether one is set.
func (c Configuration) NoOfRuns() (int64, bool) { return c.noOfRuns, c.bounded }

// IsZero reports whether c was never resolved.
func (c Configuration) IsZero() bool { return c.interval == 0 }

// Params returns the configuration in its fully-specified raw form.
func (c Configuration) Params() Params {
	delay := c.delay
	p := Params{Interval: c.interval, Delay: &delay}
	if c.bounded {
		n := c.noOfRuns
		p.NoOfRuns = &n
	}
	return p
}

func (c Configuration) String() string {
	if c.bounded {
		return fmt.Sprintf("interval=%dms delay=%dms runs=%d", c.interval, c.delay, c.noOfRuns)
	}
	return fmt.Sprintf("interval=%dms delay=%dms runs=unbounded", c.interval, c.delay)
}

type configurationJSON struct {
	Interval int64  `json:"interval"`
	Delay    int64  `json:"delay"`
	NoOfRuns *int64 `json:"noOfRuns"`
}

// MarshalJSON renders {"interval":..,"delay":..,"noOfRuns":..} with noOfRuns null when unbounded.
func (c Configuration) MarshalJSON() ([]byte, error) {
	out := configurationJSON{Interval: c.interval, Delay: c.delay}
	if c.bounded {
		n := c.noOfRuns
		out.NoOfRuns = &n
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON form (or a sparse Params form) and re-validates it.
func (c *Configuration) UnmarshalJSON(b []byte) error {
	var p Params
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	rc, err := Resolve(p)
	if err != nil {
		return err
	}
	*c = rc
	return nil
}
