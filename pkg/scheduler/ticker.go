package scheduler

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
)

// Ticker is the production Scheduler: one goroutine per job driven by
// time.Ticker or time.Timer.
type Ticker struct {
    mu      sync.Mutex
    jobs    map[string]*tickerJob
    stopped bool
    logger  *log.Logger
    wg      sync.WaitGroup
}

type tickerJob struct {
    cancel context.CancelFunc
    done   chan struct{}
}

// NewTicker returns a running scheduler. logger may be nil.
func NewTicker(logger *log.Logger) *Ticker {
    if logger == nil { logger = log.Default() }
    return &Ticker{jobs: make(map[string]*tickerJob), logger: logger}
}

func (t *Ticker) Every(name string, interval time.Duration, fn Job) error {
    if interval <= 0 { interval = time.Second }
    return t.start(name, func(ctx context.Context, _ *tickerJob) {
        tk := time.NewTicker(interval)
        defer tk.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-tk.C:
                t.run(ctx, name, fn)
            }
        }
    })
}

func (t *Ticker) After(name string, delay time.Duration, fn Job) error {
    return t.start(name, func(ctx context.Context, self *tickerJob) {
        if delay > 0 {
            tm := time.NewTimer(delay)
            defer tm.Stop()
            select {
            case <-ctx.Done():
                return
            case <-tm.C:
            }
        }
        t.run(ctx, name, fn)
        t.forget(name, self)
    })
}

func (t *Ticker) Cancel(name string) {
    t.mu.Lock()
    j := t.jobs[name]
    delete(t.jobs, name)
    t.mu.Unlock()
    if j != nil { j.cancel() }
}

func (t *Ticker) Stop() {
    t.mu.Lock()
    t.stopped = true
    jobs := t.jobs
    t.jobs = make(map[string]*tickerJob)
    t.mu.Unlock()
    for _, j := range jobs { j.cancel() }
    t.wg.Wait()
}

func (t *Ticker) start(name string, loop func(ctx context.Context, self *tickerJob)) error {
    t.mu.Lock()
    if t.stopped { t.mu.Unlock(); return ErrStopped }
    prev := t.jobs[name]
    ctx, cancel := context.WithCancel(context.Background())
    j := &tickerJob{cancel: cancel, done: make(chan struct{})}
    t.jobs[name] = j
    t.wg.Add(1)
    t.mu.Unlock()
    var prevDone chan struct{}
    if prev != nil {
        prev.cancel()
        prevDone = prev.done
    }
    go func() {
        defer t.wg.Done()
        defer close(j.done)
        // keep runs of the same name serial across a replacement
        if prevDone != nil {
            select {
            case <-prevDone:
            case <-ctx.Done():
                return
            }
        }
        loop(ctx, j)
    }()
    return nil
}

// forget drops a finished one-shot unless it was replaced meanwhile.
func (t *Ticker) forget(name string, self *tickerJob) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.jobs[name] == self { delete(t.jobs, name) }
}

func (t *Ticker) run(ctx context.Context, name string, fn Job) {
    if ctx.Err() != nil { return }
    defer func() {
        if r := recover(); r != nil {
            logutil.Errorf(t.logger, "scheduler: job %s panicked: %v", name, r)
        }
    }()
    fn(ctx)
}
