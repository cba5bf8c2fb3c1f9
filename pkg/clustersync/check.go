// Package clustersync implements the barriers the topology manager runs
// before announcing a new view. The sync-token barrier waits until every
// member of the view has written the view's sync token; the backlog barrier
// waits until the storage layer has settled. Chain runs several in sequence.
package clustersync

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
)

// Result is how a barrier pass ended.
type Result string

const (
    ResultOK        Result = "ok"
    ResultTimeout   Result = "timeout"
    ResultCancelled Result = "cancelled"
)

// probe returns true once the barrier condition holds. Errors are logged and
// the probe is retried on the next interval.
type probe func(ctx context.Context) (bool, error)

// backgroundCheck runs at most one barrier pass at a time. A pass probes
// once right away and then on a scheduler job until the probe holds or the
// timeout passed. Starting a new pass cancels the previous one.
type backgroundCheck struct {
    service string
    job     string
    sched   scheduler.Scheduler
    clock   func() time.Time
    logger  *log.Logger

    mu     sync.Mutex
    gen    uint64
    active bool
    cancel context.CancelFunc
}

func newBackgroundCheck(service, instanceID string, sched scheduler.Scheduler, clock func() time.Time, logger *log.Logger) backgroundCheck {
    if clock == nil { clock = time.Now }
    return backgroundCheck{
        service: service,
        job:     "clustersync-" + service + "." + instanceID,
        sched:   sched,
        clock:   clock,
        logger:  logger,
    }
}

type pass struct {
    gen      uint64
    start    time.Time
    deadline time.Time
    timeout  time.Duration
    probe    probe
    done     func(Result)
}

func (b *backgroundCheck) start(timeout, interval time.Duration, p probe, done func(Result)) {
    ctx, cancel := context.WithCancel(context.Background())
    b.mu.Lock()
    b.cancelLocked()
    b.gen++
    b.active = true
    b.cancel = cancel
    now := b.clock()
    ps := &pass{gen: b.gen, start: now, timeout: timeout, probe: p, done: done}
    if timeout > 0 { ps.deadline = now.Add(timeout) }
    b.mu.Unlock()

    if b.step(ctx, ps) { return }
    b.mu.Lock()
    defer b.mu.Unlock()
    if !b.active || b.gen != ps.gen { return }
    err := b.sched.Every(b.job, interval, func(jobCtx context.Context) { b.step(jobCtx, ps) })
    if err != nil {
        logutil.Warnf(b.logger, "%s: cannot schedule background check: %v", b.service, err)
        b.cancelLocked()
    }
}

// step probes once and reports whether the pass is over.
func (b *backgroundCheck) step(ctx context.Context, ps *pass) bool {
    if !b.current(ps.gen) { return true }
    ok, err := ps.probe(ctx)
    if err != nil && ctx.Err() == nil {
        logutil.Warnf(b.logger, "%s: check failed, retrying: %v", b.service, err)
    }
    if ok {
        b.finish(ps, ResultOK)
        return true
    }
    if !ps.deadline.IsZero() && !b.clock().Before(ps.deadline) {
        logutil.Warnf(b.logger, "%s: timed out after %s, continuing anyway", b.service, ps.timeout)
        b.finish(ps, ResultTimeout)
        return true
    }
    return !b.current(ps.gen)
}

func (b *backgroundCheck) current(gen uint64) bool {
    b.mu.Lock(); defer b.mu.Unlock()
    return b.active && b.gen == gen
}

// stop cancels the running pass; its callback is not invoked.
func (b *backgroundCheck) stop() {
    b.mu.Lock()
    defer b.mu.Unlock()
    b.cancelLocked()
}

func (b *backgroundCheck) cancelLocked() {
    if !b.active { return }
    b.active = false
    b.gen++
    if b.cancel != nil {
        b.cancel()
        b.cancel = nil
    }
    b.sched.Cancel(b.job)
    metrics.SyncTotal.WithLabelValues(b.service, string(ResultCancelled)).Inc()
    logutil.Debugf(b.logger, "%s: cancelled", b.service)
}

func (b *backgroundCheck) finish(ps *pass, r Result) {
    b.mu.Lock()
    if !b.active || b.gen != ps.gen {
        b.mu.Unlock()
        return
    }
    b.active = false
    if b.cancel != nil {
        b.cancel()
        b.cancel = nil
    }
    // before done, which may start the next pass on the same job name
    b.sched.Cancel(b.job)
    b.mu.Unlock()
    metrics.SyncTotal.WithLabelValues(b.service, string(r)).Inc()
    metrics.SyncDuration.WithLabelValues(b.service).Observe(b.clock().Sub(ps.start).Seconds())
    ps.done(r)
}
