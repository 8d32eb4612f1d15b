// Package timer implements fixed-interval recurring timers.
//
// The package is split into three parts:
//   - Resolve turns raw host parameters into an immutable Configuration
//   - Scheduler is the shared trigger facility (one cron loop for all timers)
//   - Engine owns one timer: lifecycle, run counting, overlap skipping and failure reporting
//
// Ticks are anchored to the schedule (start + delay + k*interval), not to the
// completion time of the previous callback.
package timer
