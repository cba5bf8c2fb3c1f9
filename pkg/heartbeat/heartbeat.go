// Package heartbeat keeps the local instance visible to its peers and checks
// whether the established view still matches the instances that are alive.
// Each tick writes the local heartbeat record, then analyzes ongoing ballots
// and, when the established view is stale and nothing is pending, opens a new
// ballot proposing the live set.
package heartbeat

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/voting"
)

const (
    jobName     = "heartbeat"
    triggerName = "heartbeat-trigger"

    KeyLastHeartbeat = "lastHeartbeat"
    KeyRuntimeID     = "runtimeId"
    KeyEndpoints     = "endpoints"
)

var (
    // ErrDuplicateInstance is returned once another process was seen writing
    // the local heartbeat record. The handler stops itself.
    ErrDuplicateInstance = errors.New("heartbeat: duplicate instance id in cluster")
    // ErrNotStarted is returned by operations that need Start first.
    ErrNotStarted = errors.New("heartbeat: not started")
)

// InstanceIDs maps numeric cluster node ids to instance ids.
type InstanceIDs interface {
    ToInstanceID(ctx context.Context, cid int) (string, bool, error)
}

// Options configures a Handler.
type Options struct {
    Store      *store.Store
    InstanceID string
    Voting     *voting.Handler
    Scheduler  scheduler.Scheduler
    // Interval between heartbeats; default 30s.
    Interval time.Duration
    // Timeout after which a silent instance is considered dead; default 120s.
    Timeout time.Duration
    // LeaderElectionPrefix is "0" by default; "1" makes the instance lose
    // every leader election against instances using "0".
    LeaderElectionPrefix string
    // Endpoints is recorded with the first heartbeat for diagnostics.
    Endpoints string

    // Descriptor and IDs are optional. When set, instances the descriptor
    // reports as leaving are not live, and a non-final descriptor defers
    // new ballots.
    Descriptor *descriptor.Reader
    IDs        InstanceIDs

    // Properties returns the instance properties to publish.
    Properties func() map[string]string
    // OnChanging is called whenever a view change is detected or pending.
    OnChanging func()
    // OnDuplicate is called on its own goroutine when another process uses
    // the same instance id.
    OnDuplicate func(reason string)
    // OnChecked runs at the end of every tick, after the view check.
    OnChecked func(ctx context.Context)

    Clock  func() time.Time
    Logger *log.Logger
}

func (o Options) Validate() error {
    if o.Store == nil { return errors.New("heartbeat: nil store") }
    if o.InstanceID == "" { return errors.New("heartbeat: empty instance id") }
    if o.Voting == nil { return errors.New("heartbeat: nil voting handler") }
    if o.Scheduler == nil { return errors.New("heartbeat: nil scheduler") }
    if o.LeaderElectionPrefix != "" && o.LeaderElectionPrefix != "0" && o.LeaderElectionPrefix != "1" {
        return fmt.Errorf("heartbeat: invalid leader election prefix %q", o.LeaderElectionPrefix)
    }
    return nil
}

// Handler is the heartbeat handler of one instance.
type Handler struct {
    opts    Options
    layout  voting.Layout
    job     string
    trigger string

    // run serializes heartbeat and view check ticks
    run sync.Mutex

    mu               sync.Mutex
    active           bool
    runtimeID        string
    leaderElectionID string
    firstWritten     time.Time
    lastWritten      time.Time
}

func New(opts Options) (*Handler, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Interval <= 0 { opts.Interval = 30 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 120 * time.Second }
    if opts.LeaderElectionPrefix == "" { opts.LeaderElectionPrefix = "0" }
    if opts.Clock == nil { opts.Clock = time.Now }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.OnChanging == nil { opts.OnChanging = func() {} }
    return &Handler{
        opts:    opts,
        layout:  opts.Voting.Layout(),
        job:     jobName + "." + opts.InstanceID,
        trigger: triggerName + "." + opts.InstanceID,
    }, nil
}

// LeaderElectionID formats the id used to order instances in leader
// elections: prefix, zero padded start millis and instance id.
func LeaderElectionID(prefix string, start time.Time, instanceID string) string {
    return fmt.Sprintf("%s_%019d_%s", prefix, start.UnixMilli(), instanceID)
}

// Start resets the runtime and leader election ids, writes the first
// heartbeat and schedules the periodic tick.
func (h *Handler) Start(ctx context.Context) error {
    now := h.opts.Clock()
    h.mu.Lock()
    h.active = true
    h.runtimeID = uuid.NewString()
    h.leaderElectionID = LeaderElectionID(h.opts.LeaderElectionPrefix, now, h.opts.InstanceID)
    h.firstWritten, h.lastWritten = time.Time{}, time.Time{}
    runtimeID, electionID := h.runtimeID, h.leaderElectionID
    h.mu.Unlock()
    h.opts.Voting.SetLeaderElectionID(electionID)
    logutil.Infof(h.opts.Logger, "heartbeat: started %s runtimeId=%s leaderElectionId=%s", h.opts.InstanceID, runtimeID, electionID)

    if err := h.IssueHeartbeat(ctx); err != nil {
        logutil.Warnf(h.opts.Logger, "heartbeat: first heartbeat: %v", err)
        if errors.Is(err, ErrDuplicateInstance) { return err }
    }
    return h.opts.Scheduler.Every(h.job, h.opts.Interval, h.tick)
}

// Stop cancels the periodic tick. Records stay in the store and expire.
func (h *Handler) Stop() {
    h.mu.Lock()
    h.active = false
    h.mu.Unlock()
    h.opts.Scheduler.Cancel(h.job)
    h.opts.Scheduler.Cancel(h.trigger)
}

func (h *Handler) isActive() bool {
    h.mu.Lock(); defer h.mu.Unlock()
    return h.active
}

// RuntimeID identifies this process run.
func (h *Handler) RuntimeID() string {
    h.mu.Lock(); defer h.mu.Unlock()
    return h.runtimeID
}

func (h *Handler) LeaderElectionID() string {
    h.mu.Lock(); defer h.mu.Unlock()
    return h.leaderElectionID
}

// TriggerHeartbeat runs a heartbeat and view check right away.
func (h *Handler) TriggerHeartbeat() error {
    if !h.isActive() { return ErrNotStarted }
    logutil.Debugf(h.opts.Logger, "heartbeat: triggered")
    return h.opts.Scheduler.After(h.trigger, 0, h.tick)
}

func (h *Handler) tick(ctx context.Context) {
    h.run.Lock(); defer h.run.Unlock()
    if !h.isActive() { return }
    if err := h.IssueHeartbeat(ctx); err != nil {
        logutil.Errorf(h.opts.Logger, "issueHeartbeat: %v", err)
        if errors.Is(err, ErrDuplicateInstance) { return }
    }
    if err := h.CheckView(ctx); err != nil {
        logutil.Errorf(h.opts.Logger, "checkView: %v", err)
    }
    if h.opts.OnChecked != nil { h.opts.OnChecked(ctx) }
}

// IssueHeartbeat writes the local record: the heartbeat time, the runtime
// id on the first write, the leader election id when it changed and the
// instance properties when they changed.
func (h *Handler) IssueHeartbeat(ctx context.Context) error {
    h.mu.Lock()
    runtimeID, electionID := h.runtimeID, h.leaderElectionID
    first, last := h.firstWritten, h.lastWritten
    h.mu.Unlock()
    if runtimeID == "" { return ErrNotStarted }

    var props map[string]string
    if h.opts.Properties != nil { props = h.opts.Properties() }
    path := h.layout.Instance(h.opts.InstanceID)
    propsPath := store.Join(path, "properties")
    now := h.opts.Clock()

    var foreignRuntime, concurrentUpdate, rewriteRuntime bool
    err := store.Retry(ctx, h.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        foreignRuntime, concurrentUpdate, rewriteRuntime = false, false, first.IsZero()
        node, err := sess.GetOrCreate(path)
        if err != nil { return err }
        if !first.IsZero() && !last.IsZero() {
            if now.Sub(first) > 2*h.opts.Interval {
                if lh, ok := node.Props.Time(KeyLastHeartbeat); ok && lh.UnixMilli() != last.UnixMilli() {
                    concurrentUpdate = true
                }
            }
            switch rid := node.Props[KeyRuntimeID]; {
            case rid == "":
                // removed by someone; claim the record again
                rewriteRuntime = true
            case rid != runtimeID:
                foreignRuntime = true
                return nil
            }
        }
        rec := store.Properties{KeyLastHeartbeat: store.FormatTime(now)}
        if rewriteRuntime {
            rec[KeyRuntimeID] = runtimeID
            rec[KeyEndpoints] = h.opts.Endpoints
        }
        if node.Props[voting.KeyLeaderElectionID] != electionID {
            rec[voting.KeyLeaderElectionID] = electionID
            rec[voting.KeyLeaderElectionIDCreatedAt] = store.FormatTime(now)
        }
        if err := sess.Write(path, rec); err != nil { return err }
        return h.writeProperties(sess, propsPath, props)
    })
    if foreignRuntime {
        h.duplicate(fmt.Sprintf("record %s carries a foreign runtime id", path), true)
        return ErrDuplicateInstance
    }
    if err != nil {
        metrics.HeartbeatsTotal.WithLabelValues("failed").Inc()
        return fmt.Errorf("issueHeartbeat: %w", err)
    }
    if concurrentUpdate {
        h.duplicate(fmt.Sprintf("unexpected concurrent update of %s lastHeartbeat", path), false)
    }
    metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
    h.mu.Lock()
    h.lastWritten = now
    if h.firstWritten.IsZero() || rewriteRuntime { h.firstWritten = now }
    h.mu.Unlock()
    logutil.Debugf(h.opts.Logger, "issueHeartbeat: wrote %s", path)
    return nil
}

func (h *Handler) writeProperties(sess *store.Session, path string, props map[string]string) error {
    cur, err := sess.Read(path)
    if errors.Is(err, store.ErrNotFound) {
        if len(props) == 0 { return nil }
        cur = store.Properties{}
    } else if err != nil {
        return err
    }
    var stale []string
    for k := range cur {
        if _, ok := props[k]; !ok { stale = append(stale, k) }
    }
    if len(stale) > 0 {
        if err := sess.Remove(path, stale...); err != nil { return err }
    }
    return sess.Write(path, store.Properties(props))
}

// duplicate reports another process writing with the local instance id.
// With fatal set the handler deactivates and OnDuplicate runs.
func (h *Handler) duplicate(reason string, fatal bool) {
    metrics.DuplicateInstances.Inc()
    logutil.Errorf(h.opts.Logger, "issueHeartbeat: %s. More than one instance with id %s seems to run in this cluster; instance ids must be unique.", reason, h.opts.InstanceID)
    h.opts.OnChanging()
    if !fatal { return }
    h.mu.Lock()
    h.active = false
    h.mu.Unlock()
    logutil.Errorf(h.opts.Logger, "issueHeartbeat: disabling discovery for %s", h.opts.InstanceID)
    if h.opts.OnDuplicate != nil {
        // Stop waits for running jobs, including the one calling us
        go h.opts.OnDuplicate(reason)
    }
}

// CheckView analyzes ongoing ballots and opens a new one when the established
// view does not match the live instances and nothing is pending.
func (h *Handler) CheckView(ctx context.Context) error {
    ctx, end := tracing.StartSpan(ctx, "heartbeat.checkView", tracing.Instance(h.opts.InstanceID))
    defer end()
    live, err := h.LiveInstances(ctx)
    if err != nil { return err }
    if _, err := h.opts.Voting.AnalyzeVotings(ctx, live); err != nil {
        logutil.Warnf(h.opts.Logger, "checkView: %v", err)
    }
    if _, err := h.opts.Voting.CleanupTimedoutVotings(ctx); err != nil {
        logutil.Warnf(h.opts.Logger, "checkView: %v", err)
    }

    sess, err := h.opts.Store.Session(ctx)
    if err != nil { return fmt.Errorf("checkView: %w", err) }
    defer sess.Close()
    now := h.opts.Clock()
    pending := 0
    for _, b := range voting.LoadOngoing(sess, h.layout) {
        if b.IsWinning() || b.IsOngoing(h.opts.Voting.Timeout(), now) { pending++ }
    }
    if pending > 0 {
        logutil.Infof(h.opts.Logger, "checkView: %d votings pending, marking topology as changing", pending)
        metrics.ViewChecks.WithLabelValues("pending").Inc()
        h.opts.OnChanging()
        return nil
    }
    live, err = h.LiveIn(ctx, sess)
    if err != nil { return err }
    if est := voting.LoadEstablished(sess, h.layout); est != nil && est.MatchesLiveView(live) {
        metrics.ViewChecks.WithLabelValues("unchanged").Inc()
        return nil
    }
    logutil.Infof(h.opts.Logger, "checkView: no established view matches live instances %v, marking topology as changing", live)
    h.opts.OnChanging()
    if h.opts.Descriptor != nil {
        if _, err := h.opts.Descriptor.Final(ctx); err != nil {
            logutil.Infof(h.opts.Logger, "checkView: descriptor not settled, deferring new voting: %v", err)
            metrics.ViewChecks.WithLabelValues("deferred").Inc()
            return nil
        }
    }
    sess.Close()
    if _, err := h.opts.Voting.StartVoting(ctx, live); err != nil {
        metrics.ViewChecks.WithLabelValues("failed").Inc()
        return fmt.Errorf("checkView: %w", err)
    }
    metrics.ViewChecks.WithLabelValues("voting").Inc()
    return nil
}

// StartNewVoting opens a ballot for the current live set unconditionally.
func (h *Handler) StartNewVoting(ctx context.Context) (string, error) {
    live, err := h.LiveInstances(ctx)
    if err != nil { return "", err }
    return h.opts.Voting.StartVoting(ctx, live)
}

// LiveInstances reads the store and returns the sorted live instance ids.
func (h *Handler) LiveInstances(ctx context.Context) ([]string, error) {
    sess, err := h.opts.Store.Session(ctx)
    if err != nil { return nil, fmt.Errorf("liveInstances: %w", err) }
    defer sess.Close()
    return h.LiveIn(ctx, sess)
}

// LiveIn returns the instances of sess whose heartbeat is within the timeout,
// minus those the descriptor reports as leaving.
func (h *Handler) LiveIn(ctx context.Context, sess *store.Session) ([]string, error) {
    now := h.opts.Clock()
    leaving, err := h.leaving(ctx)
    if err != nil { return nil, err }
    var live []string
    for _, n := range sess.Children(h.layout.Instances()) {
        t, ok := n.Props.Time(KeyLastHeartbeat)
        if !ok || now.Sub(t) > h.opts.Timeout { continue }
        if _, gone := leaving[n.Name]; gone {
            logutil.Debugf(h.opts.Logger, "liveInstances: %s has a fresh heartbeat but is leaving", n.Name)
            continue
        }
        live = append(live, n.Name)
    }
    return live, nil
}

func (h *Handler) leaving(ctx context.Context) (map[string]struct{}, error) {
    if h.opts.Descriptor == nil || h.opts.IDs == nil { return nil, nil }
    d, err := h.opts.Descriptor.Read(ctx)
    if d == nil {
        // without a descriptor nobody is known to leave
        logutil.Debugf(h.opts.Logger, "liveInstances: descriptor: %v", err)
        return nil, nil
    }
    out := make(map[string]struct{})
    for _, cid := range append(append([]int(nil), d.Deactivating...), d.Inactive...) {
        id, ok, err := h.opts.IDs.ToInstanceID(ctx, cid)
        if err != nil { return nil, fmt.Errorf("liveInstances: %w", err) }
        if ok && id != h.opts.InstanceID { out[id] = struct{}{} }
    }
    return out, nil
}
