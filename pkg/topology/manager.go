package topology

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
)

const delayJob = "topology-min-event-delay"

var (
    // ErrNilView is returned by HandleNewView(nil).
    ErrNilView = errors.New("topology: nil view")
    // ErrNoLocalInstance is returned for current views without the local instance.
    ErrNoLocalInstance = errors.New("topology: view does not contain the local instance")
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
    // Syncer is the barrier run before CHANGED is sent. Nil sends directly.
    Syncer Syncer
    // MinEventDelay holds back CHANGED for at least this long after a change
    // was detected. Requires Scheduler and Latest.
    MinEventDelay time.Duration
    Scheduler     scheduler.Scheduler
    // Latest returns the newest view when a delay expires.
    Latest func(ctx context.Context) *View
    // InstanceID scopes the scheduler job name.
    InstanceID string
    Logger     *log.Logger
}

type binding struct {
    id   uint64
    l    Listener
    last EventType
}

// Manager tracks the last announced view and the changing flag, and sends
// events to bound listeners:
//
//   - a listener bound while a view is known and stable gets TOPOLOGY_INIT at once;
//     one bound earlier gets it with the first consistent view
//   - TOPOLOGY_CHANGING is never sent twice in a row to the same listener
//   - a new view is announced with TOPOLOGY_CHANGED only after the Syncer completed
//   - a pure property change is sent as PROPERTIES_CHANGED without the Syncer
//
// Events are delivered in order on one goroutine.
type Manager struct {
    opts     ManagerOptions
    delayJob string

    mu            sync.Mutex
    nextID        uint64
    bound         []*binding
    uninitialized []*binding
    activated     bool
    previous      *View
    changing      bool
    modCnt        int
    sender        *asyncSender
    delaying      bool
}

func NewManager(opts ManagerOptions) *Manager {
    if opts.Logger == nil { opts.Logger = log.Default() }
    job := delayJob
    if opts.InstanceID != "" { job += "." + opts.InstanceID }
    return &Manager{opts: opts, delayJob: job}
}

// Bind registers l and returns its id for Unbind.
func (m *Manager) Bind(l Listener) uint64 {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.nextID++
    b := &binding{id: m.nextID, l: l}
    if m.activated && !m.changing && m.previous != nil {
        m.enqueueLocked(b, Event{Type: TopologyInit, New: m.previous})
        m.bound = append(m.bound, b)
    } else {
        logutil.Debugf(m.opts.Logger, "bind: delaying TOPOLOGY_INIT for listener %d", b.id)
        m.uninitialized = append(m.uninitialized, b)
    }
    return b.id
}

// Unbind removes a listener. It reports whether the id was bound.
func (m *Manager) Unbind(id uint64) bool {
    m.mu.Lock()
    defer m.mu.Unlock()
    var found bool
    m.bound, found = removeBinding(m.bound, id)
    var f2 bool
    m.uninitialized, f2 = removeBinding(m.uninitialized, id)
    return found || f2
}

// HandleActivated starts event delivery.
func (m *Manager) HandleActivated() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.activated { return }
    m.activated = true
    m.modCnt++
    m.sender = newAsyncSender(m.opts.Logger)
    if m.previous != nil && !m.changing {
        m.initAllLocked(m.previous)
    }
}

// HandleDeactivated stops delivery after flushing queued events, cancels
// any running barrier and forgets the listeners and the view.
func (m *Manager) HandleDeactivated() {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.activated = false
    m.modCnt++
    if m.sender != nil {
        m.sender.flushThenStop()
        m.sender = nil
    }
    m.previous = nil
    if m.opts.Syncer != nil { m.opts.Syncer.CancelSync() }
    if m.delaying {
        m.delaying = false
        if m.opts.Scheduler != nil { m.opts.Scheduler.Cancel(m.delayJob) }
    }
    m.changing = false
    m.bound = nil
    m.uninitialized = nil
}

// HandleChanging marks the current view as no longer valid.
func (m *Manager) HandleChanging() {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.handleChangingLocked()
}

// HandleNewView processes a freshly computed view. A view that is not
// current is equivalent to HandleChanging.
func (m *Manager) HandleNewView(v *View) error {
    if v == nil { return ErrNilView }
    if !v.Current {
        m.HandleChanging()
        return nil
    }
    if loc := v.LocalInstance(); loc == nil { return ErrNoLocalInstance }
    if m.opts.Syncer != nil { m.opts.Syncer.CancelSync() }
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.delayHandlesLocked(v) { return nil }
    m.handleNewViewNonDelayedLocked(v)
    return nil
}

// Previous returns the last view handed to listeners (or pending init).
func (m *Manager) Previous() *View {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.previous
}

// Announced returns the view listeners were last told about with INIT,
// CHANGED or PROPERTIES_CHANGED. It is nil while a change is pending or
// before the first view passed the Syncer.
func (m *Manager) Announced() *View {
    m.mu.Lock(); defer m.mu.Unlock()
    if !m.activated || m.changing || m.previous == nil || !m.previous.Current { return nil }
    return m.previous
}

// IsChanging reports whether a change is in progress.
func (m *Manager) IsChanging() bool {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.changing
}

// WaitForAsyncEvents blocks up to timeout for queued events to be delivered
// and returns the number still pending.
func (m *Manager) WaitForAsyncEvents(timeout time.Duration) int {
    deadline := time.Now().Add(timeout)
    for {
        m.mu.Lock()
        s := m.sender
        m.mu.Unlock()
        if s == nil { return 0 }
        n := s.pending()
        if n == 0 || timeout == 0 || time.Now().After(deadline) { return n }
        time.Sleep(5 * time.Millisecond)
    }
}

func (m *Manager) handleChangingLocked() {
    if m.changing { return }
    m.modCnt++
    m.changing = true
    if !m.activated || m.previous == nil { return }
    m.previous = m.previous.NotCurrent()
    m.enqueueAllLocked(m.bound, Event{Type: TopologyChanging, Old: m.previous})
}

func (m *Manager) handleNewViewNonDelayedLocked(v *View) {
    m.modCnt++
    if !m.changing {
        if m.previous != nil && m.previous.Equal(v) { return }
        if m.previous == nil || !m.previous.OnlyDiffersInProperties(v) {
            m.handleChangingLocked()
        }
    }
    if !m.activated {
        m.previous = v
        m.changing = false
        return
    }
    if !m.changing && m.previous.OnlyDiffersInProperties(v) {
        logutil.Infof(m.opts.Logger, "handleNewView: properties changed to %s", v)
        old := m.previous.NotCurrent()
        m.enqueueAllLocked(m.bound, Event{Type: PropertiesChanged, Old: old, New: v})
        m.previous = v
        return
    }
    if m.opts.Syncer == nil {
        m.doHandleConsistentLocked(v)
        return
    }
    last := m.modCnt
    syncer := m.opts.Syncer
    logutil.Infof(m.opts.Logger, "handleNewView: flushing events, then syncing %s (modCnt=%d)", v, last)
    m.sender.enqueue(asyncItem{name: "flush-then-sync", trigger: func() {
        m.mu.Lock()
        stale := m.modCnt != last
        m.mu.Unlock()
        if stale {
            logutil.Infof(m.opts.Logger, "handleNewView: modCnt changed since %d, not syncing", last)
            return
        }
        syncer.Sync(v, func() {
            m.mu.Lock()
            defer m.mu.Unlock()
            if m.modCnt != last {
                logutil.Infof(m.opts.Logger, "sync callback: modCnt changed since %d, ignoring", last)
                return
            }
            m.doHandleConsistentLocked(v)
        })
    }})
}

func (m *Manager) doHandleConsistentLocked(v *View) {
    m.changing = false
    if m.previous != nil {
        m.enqueueAllLocked(m.bound, Event{Type: TopologyChanged, Old: m.previous.NotCurrent(), New: v})
    }
    m.initAllLocked(v)
    m.previous = v
    metrics.Members.Set(float64(len(v.Instances)))
    if loc := v.LocalInstance(); loc != nil && loc.Leader {
        metrics.IsLeader.Set(1)
    } else {
        metrics.IsLeader.Set(0)
    }
}

func (m *Manager) initAllLocked(v *View) {
    if len(m.uninitialized) == 0 { return }
    m.enqueueAllLocked(m.uninitialized, Event{Type: TopologyInit, New: v})
    m.bound = append(m.bound, m.uninitialized...)
    m.uninitialized = nil
}

func (m *Manager) enqueueAllLocked(audience []*binding, e Event) {
    if len(audience) > 0 {
        logutil.Infof(m.opts.Logger, "enqueue: sending %s to %d listeners", e.Type, len(audience))
    }
    for _, b := range audience { m.enqueueLocked(b, e) }
}

func (m *Manager) enqueueLocked(b *binding, e Event) {
    if m.sender == nil {
        logutil.Warnf(m.opts.Logger, "enqueue: not activated, dropping %s", e.Type)
        return
    }
    if b.last == TopologyChanging && e.Type == TopologyChanging { return }
    if m.sender.enqueue(asyncItem{listener: b.l, event: e}) {
        b.last = e.Type
        metrics.TopologyEvents.WithLabelValues(e.Type.String()).Inc()
    }
}

// delayHandlesLocked starts or continues the min-event delay. While it runs,
// new views are ignored; the latest view is read when the delay expires.
func (m *Manager) delayHandlesLocked(v *View) bool {
    if m.opts.MinEventDelay <= 0 || m.opts.Scheduler == nil || m.opts.Latest == nil { return false }
    if m.delaying { return true }
    if m.previous == nil || m.previous.OnlyDiffersInProperties(v) { return false }
    if !m.changing && m.previous.Equal(v) { return false }
    m.handleChangingLocked()
    if err := m.opts.Scheduler.After(m.delayJob, m.opts.MinEventDelay, m.delayExpired); err != nil {
        logutil.Warnf(m.opts.Logger, "minEventDelay: cannot schedule: %v", err)
        return false
    }
    m.delaying = true
    logutil.Infof(m.opts.Logger, "minEventDelay: holding back new view for %s", m.opts.MinEventDelay)
    return true
}

func (m *Manager) delayExpired(ctx context.Context) {
    v := m.opts.Latest(ctx)
    if v != nil && v.Current && m.opts.Syncer != nil { m.opts.Syncer.CancelSync() }
    m.mu.Lock()
    defer m.mu.Unlock()
    if !m.delaying { return }
    m.delaying = false
    if !m.activated { return }
    if v == nil || !v.Current || v.LocalInstance() == nil {
        logutil.Infof(m.opts.Logger, "minEventDelay: expired, topology still changing")
        m.handleChangingLocked()
        return
    }
    m.handleNewViewNonDelayedLocked(v)
}

func removeBinding(list []*binding, id uint64) ([]*binding, bool) {
    for i, b := range list {
        if b.id == id {
            return append(list[:i:i], list[i+1:]...), true
        }
    }
    return list, false
}
