package topology

import (
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
)

// asyncItem is either an event for one listener or a trigger run in queue
// order once everything before it has been delivered.
type asyncItem struct {
    listener Listener
    event    Event
    trigger  func()
    name     string
}

// asyncSender delivers queued items on a single goroutine.
type asyncSender struct {
    logger   *log.Logger
    mu       sync.Mutex
    cond     *sync.Cond
    queue    []asyncItem
    inFlight bool
    stopping bool
    done     chan struct{}
}

func newAsyncSender(logger *log.Logger) *asyncSender {
    s := &asyncSender{logger: logger, done: make(chan struct{})}
    s.cond = sync.NewCond(&s.mu)
    go s.loop()
    return s
}

func (s *asyncSender) enqueue(it asyncItem) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopping { return false }
    s.queue = append(s.queue, it)
    s.cond.Signal()
    return true
}

// flushThenStop delivers what is queued and then ends the goroutine. It does
// not wait for completion.
func (s *asyncSender) flushThenStop() {
    s.mu.Lock()
    s.stopping = true
    s.cond.Signal()
    s.mu.Unlock()
}

// pending counts queued plus in-progress items.
func (s *asyncSender) pending() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    n := len(s.queue)
    if s.inFlight { n++ }
    return n
}

func (s *asyncSender) loop() {
    defer close(s.done)
    for {
        s.mu.Lock()
        for len(s.queue) == 0 && !s.stopping { s.cond.Wait() }
        if len(s.queue) == 0 && s.stopping {
            s.mu.Unlock()
            return
        }
        it := s.queue[0]
        s.queue = s.queue[1:]
        s.inFlight = true
        s.mu.Unlock()

        s.deliver(it)

        s.mu.Lock()
        s.inFlight = false
        s.mu.Unlock()
    }
}

func (s *asyncSender) deliver(it asyncItem) {
    start := time.Now()
    defer func() {
        if r := recover(); r != nil {
            logutil.Errorf(s.logger, "asyncSender: %s panicked: %v", it.describe(), r)
        }
    }()
    if it.trigger != nil {
        it.trigger()
        return
    }
    it.listener.HandleTopologyEvent(it.event)
    if d := time.Since(start); d > time.Second {
        logutil.Warnf(s.logger, "asyncSender: listener took %s for %s", d, it.event.Type)
    }
}

func (it asyncItem) describe() string {
    if it.trigger != nil { return "trigger " + it.name }
    return "event " + it.event.Type.String()
}
