// Package scheduler runs the named background jobs of the discovery services:
// periodic jobs (heartbeat, view check) and one-shot delayed callbacks
// (min-event-delay, background checks). A job name is unique; scheduling a
// name that is already taken replaces the previous job. At most one run of a
// given name is in progress at any time.
package scheduler

import (
    "context"
    "errors"
    "time"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler: stopped")

// Job is the unit of work. ctx is cancelled when the job is cancelled or the
// scheduler stops.
type Job func(ctx context.Context)

// Scheduler is the port every service receives.
type Scheduler interface {
    // Every runs fn every interval, first after one interval.
    Every(name string, interval time.Duration, fn Job) error
    // After runs fn once after delay.
    After(name string, delay time.Duration, fn Job) error
    // Cancel removes the job; a run already in progress sees its ctx cancelled.
    Cancel(name string)
    // Stop cancels every job. The scheduler cannot be reused.
    Stop()
}
