package scheduler

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"
)

// ErrRejected is returned by a Manual scheduler switched to failing mode.
var ErrRejected = errors.New("scheduler: rejected")

// Manual is a Scheduler for tests. Nothing runs on its own: time moves only
// through Advance, and jobs run synchronously on the caller's goroutine.
type Manual struct {
    mu      sync.Mutex
    now     time.Time
    jobs    map[string]*manualJob
    failing bool
    stopped bool
}

type manualJob struct {
    name     string
    next     time.Time
    interval time.Duration
    fn       Job
    ctx      context.Context
    cancel   context.CancelFunc
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
    return &Manual{now: start, jobs: make(map[string]*manualJob)}
}

// Now is the virtual clock; pass it to components as their clock.
func (m *Manual) Now() time.Time {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.now
}

// SetFailing makes every subsequent Every/After call fail.
func (m *Manual) SetFailing(v bool) {
    m.mu.Lock(); defer m.mu.Unlock()
    m.failing = v
}

func (m *Manual) Every(name string, interval time.Duration, fn Job) error {
    return m.add(name, interval, interval, fn)
}

func (m *Manual) After(name string, delay time.Duration, fn Job) error {
    return m.add(name, delay, 0, fn)
}

func (m *Manual) add(name string, delay, interval time.Duration, fn Job) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if m.stopped { return ErrStopped }
    if m.failing { return ErrRejected }
    if prev := m.jobs[name]; prev != nil { prev.cancel() }
    ctx, cancel := context.WithCancel(context.Background())
    m.jobs[name] = &manualJob{name: name, next: m.now.Add(delay), interval: interval, fn: fn, ctx: ctx, cancel: cancel}
    return nil
}

func (m *Manual) Cancel(name string) {
    m.mu.Lock(); defer m.mu.Unlock()
    if j := m.jobs[name]; j != nil {
        j.cancel()
        delete(m.jobs, name)
    }
}

func (m *Manual) Stop() {
    m.mu.Lock(); defer m.mu.Unlock()
    m.stopped = true
    for n, j := range m.jobs {
        j.cancel()
        delete(m.jobs, n)
    }
}

// Scheduled reports whether a job with name is pending.
func (m *Manual) Scheduled(name string) bool {
    m.mu.Lock(); defer m.mu.Unlock()
    _, ok := m.jobs[name]
    return ok
}

// Advance moves the clock forward by d, running every job that falls due in
// time order. Periodic jobs run once per elapsed interval.
func (m *Manual) Advance(d time.Duration) {
    m.mu.Lock()
    target := m.now.Add(d)
    m.mu.Unlock()
    for {
        j := m.nextDue(target)
        if j == nil { break }
        j.fn(j.ctx)
    }
    m.mu.Lock()
    m.now = target
    m.mu.Unlock()
}

// Fire runs the named job immediately without touching its schedule.
func (m *Manual) Fire(name string) bool {
    m.mu.Lock()
    j := m.jobs[name]
    m.mu.Unlock()
    if j == nil { return false }
    j.fn(j.ctx)
    return true
}

// nextDue pops (or reschedules) the earliest job due at or before target and
// moves the clock to its fire time.
func (m *Manual) nextDue(target time.Time) *manualJob {
    m.mu.Lock(); defer m.mu.Unlock()
    due := make([]*manualJob, 0, len(m.jobs))
    for _, j := range m.jobs {
        if !j.next.After(target) { due = append(due, j) }
    }
    if len(due) == 0 { return nil }
    sort.Slice(due, func(a, b int) bool {
        if due[a].next.Equal(due[b].next) { return due[a].name < due[b].name }
        return due[a].next.Before(due[b].next)
    })
    j := due[0]
    if j.next.After(m.now) { m.now = j.next }
    if j.interval > 0 {
        j.next = j.next.Add(j.interval)
    } else {
        delete(m.jobs, j.name)
    }
    return j
}
