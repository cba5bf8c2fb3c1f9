// Package cluster is the discovery service facade. It wires the heartbeat
// handler, voting, the sync barriers, the id map and the topology notifier
// on top of one shared store, and serves status and raft management calls.
package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/multierr"

    "github.com/amirimatin/go-discovery/pkg/clustersync"
    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/heartbeat"
    "github.com/amirimatin/go-discovery/pkg/idmap"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/membership"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/topology"
    "github.com/amirimatin/go-discovery/pkg/transport"
    "github.com/amirimatin/go-discovery/pkg/voting"
)

const voterTimeout = 3 * time.Second

// PropertyProvider contributes instance properties. It is polled on every
// heartbeat.
type PropertyProvider interface {
    Properties() map[string]string
}

// PropertyProviderFunc adapts a function to PropertyProvider.
type PropertyProviderFunc func() map[string]string

func (f PropertyProviderFunc) Properties() map[string]string { return f() }

// Cluster is the discovery service of one instance.
type Cluster struct {
    opts     Options
    cfg      Config
    st       *store.Store
    sched    scheduler.Scheduler
    ownSched bool
    reader   *descriptor.Reader
    ids      *idmap.Service
    vote     *voting.Handler
    hb       *heartbeat.Handler
    syncer   topology.Syncer
    views    *topology.Manager

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    cancel context.CancelFunc

    props struct {
        mu        sync.Mutex
        providers map[string]PropertyProvider
    }

    // last view handed to the notifier and the isolated-view cluster id
    view struct {
        mu         sync.Mutex
        last       *topology.View
        isolatedID string
    }
}

// New assembles the service from validated options. It performs no store or
// network activity; call Start to launch the instance.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Clock == nil { opts.Clock = time.Now }
    c := &Cluster{opts: opts, cfg: opts.Config.withDefaults()}
    c.st = store.New(opts.Store, c.cfg.RootPath)
    c.sched = opts.Scheduler
    if c.sched == nil {
        c.sched = scheduler.NewTicker(opts.Logger)
        c.ownSched = true
    }
    c.props.providers = make(map[string]PropertyProvider)
    c.view.isolatedID = uuid.NewString()

    var err error
    c.vote, err = voting.New(voting.Options{
        Store:      c.st,
        InstanceID: opts.InstanceID,
        Timeout:    c.cfg.VotingTimeout,
        Clock:      opts.Clock,
        Logger:     opts.Logger,
    })
    if err != nil { return nil, err }

    token, err := clustersync.NewTokenService(clustersync.TokenOptions{
        Store:      c.st,
        InstanceID: opts.InstanceID,
        Path:       c.cfg.SyncTokenPath,
        Timeout:    c.cfg.ClusterSyncTimeout,
        Interval:   c.cfg.ClusterSyncInterval,
        Scheduler:  c.sched,
        Clock:      opts.Clock,
        Logger:     opts.Logger,
    })
    if err != nil { return nil, err }
    c.syncer = token

    hbOpts := heartbeat.Options{
        Store:                c.st,
        InstanceID:           opts.InstanceID,
        Voting:               c.vote,
        Scheduler:            c.sched,
        Interval:             c.cfg.HeartbeatInterval,
        Timeout:              c.cfg.HeartbeatTimeout,
        LeaderElectionPrefix: c.cfg.LeaderElectionPrefix,
        Endpoints:            opts.Endpoints,
        Properties:           c.properties,
        OnChanging:           c.handleChanging,
        OnDuplicate:          c.handleDuplicate,
        OnChecked:            c.checkTopology,
        Clock:                opts.Clock,
        Logger:               opts.Logger,
    }
    if opts.Descriptor != nil {
        c.reader = descriptor.NewReader(opts.Descriptor, opts.Logger)
        c.ids, err = idmap.New(idmap.Options{
            Store:         c.st,
            Path:          c.cfg.IDMapPath,
            InstanceID:    opts.InstanceID,
            Descriptor:    c.reader,
            Scheduler:     c.sched,
            CheckInterval: c.cfg.DescriptorCheckInterval,
            Logger:        opts.Logger,
        })
        if err != nil { return nil, err }
        backlog, err := clustersync.NewBacklogService(clustersync.BacklogOptions{
            Descriptor: c.reader,
            IDs:        c.ids,
            InstanceID: opts.InstanceID,
            Timeout:    c.cfg.ClusterSyncTimeout,
            Interval:   c.cfg.ClusterSyncInterval,
            Scheduler:  c.sched,
            Clock:      opts.Clock,
            Logger:     opts.Logger,
        })
        if err != nil { return nil, err }
        c.syncer = clustersync.NewChain(backlog, token)
        hbOpts.Descriptor = c.reader
        hbOpts.IDs = c.ids
    }

    c.views = topology.NewManager(topology.ManagerOptions{
        Syncer:        c.syncer,
        MinEventDelay: c.cfg.MinEventDelay,
        Scheduler:     c.sched,
        Latest:        c.latest,
        InstanceID:    opts.InstanceID,
        Logger:        opts.Logger,
    })
    c.hb, err = heartbeat.New(hbOpts)
    if err != nil { return nil, err }
    return c, nil
}

// InstanceID returns the durable id of this instance.
func (c *Cluster) InstanceID() string { return c.opts.InstanceID }

// Config returns the effective configuration with defaults applied.
func (c *Cluster) Config() Config { return c.cfg }

// Start activates the notifier, starts membership and the id map, writes the
// first heartbeat and schedules the periodic jobs, then opens the management
// endpoint.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return ErrStopped
    }
    if c.run.started {
        return nil
    }
    c.run.started = true
    metrics.Register()
    runCtx, cancel := context.WithCancel(context.Background())
    c.cancel = cancel

    if mem := c.opts.Membership; mem != nil {
        if err := mem.Start(ctx); err != nil { return fmt.Errorf("cluster: membership: %w", err) }
        if c.opts.Seeds != nil {
            if seeds := c.opts.Seeds.Seeds(); len(seeds) > 0 {
                logutil.Infof(c.opts.Logger, "joining membership seeds: %v", seeds)
                if err := mem.Join(seeds); err != nil {
                    logutil.Warnf(c.opts.Logger, "membership join: %v", err)
                }
            }
        }
        go c.membershipEventsLoop(runCtx)
    }

    c.views.HandleActivated()
    if c.ids != nil {
        if err := c.ids.Start(ctx); err != nil { return fmt.Errorf("cluster: idmap: %w", err) }
    }
    if err := c.hb.Start(ctx); err != nil { return fmt.Errorf("cluster: heartbeat: %w", err) }
    if err := c.hb.TriggerHeartbeat(); err != nil {
        logutil.Warnf(c.opts.Logger, "start: trigger heartbeat: %v", err)
    }

    if c.opts.RPCServer != nil {
        if err := c.opts.RPCServer.Start(ctx, c.handlers()); err != nil { return fmt.Errorf("cluster: management: %w", err) }
        logutil.Infof(c.opts.Logger, "management endpoint listening at %s (status/topology/metrics/healthz)", c.opts.RPCServer.Addr())
    }
    logutil.Infof(c.opts.Logger, "discovery started: instance=%s root=%s", c.opts.InstanceID, c.cfg.RootPath)
    return nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Stop deactivates the service. Its heartbeat record stays in the store and
// expires; peers form a view without it after the heartbeat timeout.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return nil
    }
    c.run.closed = true
    var err error
    if c.opts.RPCServer != nil && c.run.started {
        err = multierr.Append(err, c.opts.RPCServer.Stop(ctx))
    }
    c.hb.Stop()
    if c.ids != nil { c.ids.Stop() }
    c.views.HandleDeactivated()
    c.syncer.CancelSync()
    if mem := c.opts.Membership; mem != nil && c.run.started {
        err = multierr.Append(err, mem.Leave())
        err = multierr.Append(err, mem.Stop())
    }
    if c.cancel != nil { c.cancel() }
    if c.ownSched { c.sched.Stop() }
    logutil.Infof(c.opts.Logger, "discovery stopped: instance=%s", c.opts.InstanceID)
    return err
}

// Topology returns the view of this instance. It is current only when the
// established view contains this instance, matches the live instances, no
// ballot is pending and the view passed the sync barrier, i.e. listeners
// were told about it. Before any established view includes this instance an
// isolated, not current view with only this instance is returned.
func (c *Cluster) Topology(ctx context.Context) (*topology.View, error) {
    v, err := c.computeView(ctx)
    if err != nil || !v.Current { return v, err }
    if a := c.views.Announced(); a == nil || a.SyncTokenID != v.SyncTokenID {
        return v.NotCurrent(), nil
    }
    return v, nil
}

// computeView reads the view from the store without regard to the sync
// barrier. Its current flag is what the notifier acts on.
func (c *Cluster) computeView(ctx context.Context) (*topology.View, error) {
    sess, err := c.st.Session(ctx)
    if err != nil { return nil, fmt.Errorf("topology: %w", err) }
    defer sess.Close()
    l := c.vote.Layout()
    est := voting.LoadEstablished(sess, l)
    if est == nil {
        return c.isolatedView(), nil
    }
    if _, ok := est.Member(c.opts.InstanceID); !ok {
        logutil.Debugf(c.opts.Logger, "topology: established view %s does not include %s", est.ID, c.opts.InstanceID)
        return c.isolatedView(), nil
    }
    live, err := c.hb.LiveIn(ctx, sess)
    if err != nil { return nil, fmt.Errorf("topology: %w", err) }
    current := est.MatchesLiveView(live)
    now := c.opts.Clock()
    for _, b := range voting.LoadOngoing(sess, l) {
        if b.IsWinning() || b.IsOngoing(c.vote.Timeout(), now) {
            current = false
            break
        }
    }
    instances := make([]topology.InstanceDescription, 0, len(est.Members))
    for _, m := range est.Members {
        props, err := sess.Read(store.Join(l.Instance(m.ID), "properties"))
        if err != nil && !errors.Is(err, store.ErrNotFound) { return nil, fmt.Errorf("topology: %w", err) }
        instances = append(instances, topology.InstanceDescription{
            InstanceID: m.ID,
            Leader:     m.ID == est.LeaderID,
            Local:      m.ID == c.opts.InstanceID,
            Properties: props,
        })
    }
    return topology.NewView(est.ClusterID, est.ID, current, instances), nil
}

func (c *Cluster) isolatedView() *topology.View {
    c.view.mu.Lock()
    id := c.view.isolatedID
    c.view.mu.Unlock()
    return topology.NewView(id, "", false, []topology.InstanceDescription{{
        InstanceID: c.opts.InstanceID,
        Leader:     true,
        Local:      true,
        Properties: c.properties(),
    }})
}

func (c *Cluster) latest(ctx context.Context) *topology.View {
    v, err := c.computeView(ctx)
    if err != nil {
        logutil.Warnf(c.opts.Logger, "topology: %v", err)
        return nil
    }
    return v
}

// checkTopology hands the freshly computed view to the notifier. A view
// equal to the one handed last time is skipped so that a running barrier is
// not restarted on every tick.
func (c *Cluster) checkTopology(ctx context.Context) {
    ctx, end := tracing.StartSpan(ctx, "cluster.checkTopology", tracing.Instance(c.opts.InstanceID))
    defer end()
    v, err := c.computeView(ctx)
    if err != nil {
        logutil.Warnf(c.opts.Logger, "checkTopology: %v", err)
        return
    }
    c.view.mu.Lock()
    prev := c.view.last
    c.view.last = v
    c.view.mu.Unlock()
    if prev != nil && prev.Current == v.Current && prev.Equal(v) { return }
    c.clearIDCache()
    if !v.Current {
        logutil.Debugf(c.opts.Logger, "checkTopology: %s is not current", v)
        c.views.HandleChanging()
        return
    }
    if err := c.views.HandleNewView(v); err != nil {
        logutil.Warnf(c.opts.Logger, "checkTopology: %v", err)
    }
}

// handleChanging forgets the last handed view so the next check hands it
// again once the change resolved.
func (c *Cluster) handleChanging() {
    c.view.mu.Lock()
    c.view.last = nil
    c.view.mu.Unlock()
    c.clearIDCache()
    c.views.HandleChanging()
}

// clearIDCache drops cached id map lookups; numeric ids may have been
// reassigned by the change.
func (c *Cluster) clearIDCache() {
    if c.ids != nil { c.ids.ClearCache() }
}

func (c *Cluster) handleDuplicate(reason string) {
    if c.opts.OnDuplicate != nil {
        c.opts.OnDuplicate(reason)
        return
    }
    logutil.Errorf(c.opts.Logger, "duplicate instance id %s (%s); stopping discovery", c.opts.InstanceID, reason)
    if err := c.Stop(context.Background()); err != nil {
        logutil.Warnf(c.opts.Logger, "stop: %v", err)
    }
}

// TriggerHeartbeat issues a heartbeat and view check right away.
func (c *Cluster) TriggerHeartbeat() error { return c.hb.TriggerHeartbeat() }

// IsChanging reports whether listeners are waiting for a new view.
func (c *Cluster) IsChanging() bool { return c.views.IsChanging() }

// WaitForAsyncEvents waits up to timeout for queued listener events to be
// delivered and returns the number still pending.
func (c *Cluster) WaitForAsyncEvents(timeout time.Duration) int {
    return c.views.WaitForAsyncEvents(timeout)
}

// SetPropertyProvider registers or replaces the provider under name and
// publishes its properties with an immediate heartbeat.
func (c *Cluster) SetPropertyProvider(name string, p PropertyProvider) error {
    if name == "" || p == nil { return ErrInvalidProperty }
    c.props.mu.Lock()
    c.props.providers[name] = p
    c.props.mu.Unlock()
    c.publishProperties()
    return nil
}

// RemovePropertyProvider drops the provider registered under name.
func (c *Cluster) RemovePropertyProvider(name string) {
    c.props.mu.Lock()
    _, ok := c.props.providers[name]
    delete(c.props.providers, name)
    c.props.mu.Unlock()
    if ok { c.publishProperties() }
}

func (c *Cluster) publishProperties() {
    if err := c.hb.TriggerHeartbeat(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
        logutil.Warnf(c.opts.Logger, "properties: trigger heartbeat: %v", err)
    }
}

// properties merges all providers in name order; later providers win.
func (c *Cluster) properties() map[string]string {
    c.props.mu.Lock()
    names := make([]string, 0, len(c.props.providers))
    for n := range c.props.providers { names = append(names, n) }
    sort.Strings(names)
    providers := make([]PropertyProvider, len(names))
    for i, n := range names { providers[i] = c.props.providers[n] }
    c.props.mu.Unlock()

    out := make(map[string]string)
    for i, p := range providers {
        for k, v := range p.Properties() {
            if !validPropertyName(k) {
                logutil.Warnf(c.opts.Logger, "properties: provider %s: skipping invalid name %q", names[i], k)
                continue
            }
            out[k] = v
        }
    }
    return out
}

func validPropertyName(k string) bool {
    return k != "" && !strings.ContainsAny(k, "/ \t\n")
}

// Status returns a snapshot of this instance's view. Store errors are
// reported as warnings.
func (c *Cluster) Status(ctx context.Context) (*Status, error) {
    s := &Status{InstanceID: c.opts.InstanceID, Changing: c.views.IsChanging()}
    v, err := c.Topology(ctx)
    if err != nil {
        s.Warnings = append(s.Warnings, err.Error())
    } else {
        s.Current = v.Current
        s.Healthy = v.Current
        s.ClusterID = v.ClusterID
        s.SyncTokenID = v.SyncTokenID
        s.Members = v.Instances
        if !v.Current { s.Warnings = append(s.Warnings, "topology is changing") }
        if l := v.Leader(); l != nil {
            s.LeaderID = l.InstanceID
            s.LeaderAddr = c.lookupMemberAddr(l.InstanceID)
        }
    }
    if c.ids != nil && !c.ids.IsInitialized() {
        s.Warnings = append(s.Warnings, "id map not initialized")
    }
    if r := c.opts.Replicated; r != nil {
        if id, ok := r.Leader(); ok {
            s.StoreLeaderID = id
            s.StoreLeaderAddr = c.lookupMemberAddr(id)
        } else {
            s.Warnings = append(s.Warnings, "store has no raft leader")
        }
    }
    if c.opts.Membership != nil {
        s.Gossip = c.opts.Membership.Members()
        if hr, ok := c.opts.Membership.(membership.HealthReporter); ok {
            s.GossipHealth = hr.HealthScore()
            if s.GossipHealth > 0 {
                s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health degraded (score %d)", s.GossipHealth))
            }
        }
    }
    return s, nil
}

// Join asks the raft leader of a replicated store to add this instance as a
// voter. seed is the management address of any member; empty resolves the
// leader through the local raft state.
func (c *Cluster) Join(ctx context.Context, seed string) error {
    r := c.opts.Replicated
    if r == nil { return ErrNotReplicated }
    if c.opts.RPCClient == nil { return ErrNoRPCClient }
    target := c.resolveStoreLeader(ctx, seed)
    if target == "" { return ErrNoLeader }
    resp, err := c.opts.RPCClient.PostJoin(ctx, target, transport.JoinRequest{ID: c.opts.InstanceID, RaftAddr: r.Addr()})
    if err != nil {
        return err
    }
    if !resp.Accepted {
        if resp.Error == "not leader" {
            return ErrNotLeader
        }
        if resp.Error != "" {
            return errors.New(resp.Error)
        }
        return errors.New("cluster: join rejected")
    }
    return nil
}

// Leave asks the raft leader to remove this instance from the voters.
func (c *Cluster) Leave(ctx context.Context, seed string) error {
    if c.opts.Replicated == nil { return ErrNotReplicated }
    if c.opts.RPCClient == nil { return ErrNoRPCClient }
    target := c.resolveStoreLeader(ctx, seed)
    if target == "" { return ErrNoLeader }
    resp, err := c.opts.RPCClient.PostLeave(ctx, target, transport.LeaveRequest{ID: c.opts.InstanceID})
    if err != nil { return err }
    if !resp.Accepted {
        if resp.Error == "not leader" { return ErrNotLeader }
        return fmt.Errorf("cluster: leave rejected: %s", resp.Error)
    }
    return nil
}

func (c *Cluster) resolveStoreLeader(ctx context.Context, seed string) string {
    if seed == "" {
        if id, ok := c.opts.Replicated.Leader(); ok {
            return c.lookupMemberAddr(id)
        }
        return ""
    }
    // ask the seed so the request reaches the actual leader
    if data, err := c.opts.RPCClient.GetStatus(ctx, seed); err == nil {
        var st Status
        if json.Unmarshal(data, &st) == nil && st.StoreLeaderAddr != "" {
            return st.StoreLeaderAddr
        }
    }
    return seed
}

// lookupMemberAddr returns the management address of an instance. The
// local instance answers with its own server address; others are looked up
// in membership by name or advertised instance id.
// ManagementAddr returns the management address of the instance id as
// advertised through gossip, or "" when unknown.
func (c *Cluster) ManagementAddr(id string) string { return c.lookupMemberAddr(id) }

func (c *Cluster) lookupMemberAddr(id string) string {
    if id == c.opts.InstanceID && c.opts.RPCServer != nil {
        return c.opts.RPCServer.Addr()
    }
    mem := c.opts.Membership
    if mem == nil { return "" }
    m, ok := membership.Find(mem, id)
    if !ok {
        m, ok = membership.FindByMeta(mem, membership.MetaInstanceID, id)
    }
    if !ok { return "" }
    if mgmt := m.Meta[membership.MetaMgmt]; mgmt != "" { return mgmt }
    return m.Addr
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.opts.Membership.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            switch e.Type {
            case membership.EventJoin, membership.EventLeave:
                logutil.Infof(c.opts.Logger, "membership %s: %s", e.Type, e.Member.ID)
                // gossip saw a change before the heartbeats did
                if err := c.hb.TriggerHeartbeat(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
                    logutil.Warnf(c.opts.Logger, "membership: trigger heartbeat: %v", err)
                }
                if e.Type == membership.EventLeave { c.removeVoter(e.Member.ID) }
            }
        }
    }
}

func (c *Cluster) removeVoter(id string) {
    r := c.opts.Replicated
    if r == nil || !r.IsLeader() || id == c.opts.InstanceID { return }
    if err := r.RemoveServer(id, voterTimeout); err != nil {
        logutil.Warnf(c.opts.Logger, "remove voter failed: id=%s err=%v", id, err)
    } else {
        logutil.Infof(c.opts.Logger, "removed voter: id=%s", id)
    }
}
