// Package memberlist implements membership.Membership on hashicorp/memberlist.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/go-discovery/pkg/membership"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique gossip name, usually the instance id.
    NodeID string
    // Bind is host:port to listen on (":7946", "127.0.0.1:0").
    Bind string
    // Advertise is the host:port peers should use; derived from Bind if empty.
    Advertise string
    // Meta is gossiped to every peer (management address, cluster node id).
    Meta map[string]string
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    closed bool

    evMu     sync.Mutex
    evts     chan base.Event
    evClosed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = m.opts.Logger.Writer()
    cfg.Events = &eventDelegate{emit: m.emit}
    meta, _ := json.Marshal(m.opts.Meta)
    cfg.Delegate = &nodeDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml
    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    if err != nil && n == 0 { return err }
    logutil.Debugf(m.opts.Logger, "memberlist: joined %d of %d seeds", n, len(seeds))
    return nil
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{ID: m.opts.NodeID, Meta: m.opts.Meta} }
    mi := toMember(m.ml.LocalNode())
    if len(mi.Meta) == 0 { mi.Meta = m.opts.Meta }
    return mi
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toMember(n)) }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); return nil }
    m.closed = true
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    var err error
    if ml != nil { err = ml.Shutdown() }
    m.evMu.Lock()
    m.evClosed = true
    close(m.evts)
    m.evMu.Unlock()
    return err
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.evClosed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func toMember(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    st := base.StateAlive
    if n.State == memberlist.StateSuspect { st = base.StateSuspect }
    return base.MemberInfo{
        ID:    n.Name,
        Addr:  net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
        State: st,
        Meta:  meta,
    }
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port %q", ps) }
    return host, p, nil
}

type eventDelegate struct{ emit func(base.Event) }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: t, Member: toMember(n), At: time.Now()})
}

// nodeDelegate gossips the static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
