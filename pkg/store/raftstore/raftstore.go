// Package raftstore is a store.Backend replicated with HashiCorp Raft. Every
// node applies committed transactions to a local store.Tree and serves reads
// from it. Writes go through the leader: a follower forwards its transaction
// over the management RPC and the leader appends it to the raft log, where
// the optimistic revision check runs inside the state machine.
package raftstore

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/boltdb/bolt"
    hclog "github.com/hashicorp/go-hclog"
    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

var (
    // ErrNotStarted is returned before Start and after Stop.
    ErrNotStarted = errors.New("raftstore: not started")
    errNotLeader  = "not leader"
)

// LeaderInfo describes the raft leader as last observed.
type LeaderInfo struct {
    ID   string
    Addr string
}

// Store implements store.Backend on a raft log.
type Store struct {
    opts Options
    log  *log.Logger
    tree *store.Tree

    mu    sync.RWMutex
    r     *raft.Raft
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
    lch   chan LeaderInfo
}

func New(opts Options) (*Store, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftstore: empty NodeID")
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 5 * time.Second }
    return &Store{opts: opts, log: opts.Logger, tree: store.NewTree(), lch: make(chan LeaderInfo, 16)}, nil
}

// hcLogger routes raft's own logging into the process logger.
func (s *Store) hcLogger() hclog.Logger {
    lvl := hclog.Warn
    if logutil.Enabled(logutil.LevelDebug) { lvl = hclog.Debug }
    return hclog.New(&hclog.LoggerOptions{
        Name:   "raft." + s.opts.NodeID,
        Output: s.log.Writer(),
        Level:  lvl,
    })
}

func (s *Store) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.r != nil { return nil }

    hl := s.hcLogger()
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(s.opts.NodeID)
    cfg.Logger = hl
    if s.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = s.opts.HeartbeatTimeout
        // lease must not exceed the heartbeat timeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if s.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = s.opts.ElectionTimeout }
    if s.opts.CommitTimeout > 0 { cfg.CommitTimeout = s.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        trans  raft.Transport
        addr   raft.ServerAddress
    )
    if s.opts.DataDir != "" {
        if s.opts.SnapshotsRetained == 0 { s.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil { return err }
        bs, err := raftboltdb.New(raftboltdb.Options{
            Path: filepath.Join(s.opts.DataDir, "raft.db"),
            // fail fast when another process holds the database
            BoltOptions: &bolt.Options{Timeout: time.Second},
        })
        if err != nil { return fmt.Errorf("raftstore: open bolt: %w", err) }
        s.bolt = bs
        logs, stable = bs, bs
        snaps, err = raft.NewFileSnapshotStoreWithLogger(s.opts.DataDir, s.opts.SnapshotsRetained, hl)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if s.opts.BindAddr != "" {
        var adv net.Addr
        if s.opts.Advertise != "" {
            ta, err := net.ResolveTCPAddr("tcp", s.opts.Advertise)
            if err != nil { return fmt.Errorf("raftstore: advertise: %w", err) }
            adv = ta
        } else if isWildcard(s.opts.BindAddr) {
            return fmt.Errorf("raftstore: bind %s needs an advertise address", s.opts.BindAddr)
        }
        nt, err := raft.NewTCPTransportWithLogger(s.opts.BindAddr, adv, 3, time.Second, hl)
        if err != nil { return err }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(s.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, &treeFSM{tree: s.tree}, logs, stable, snaps, trans)
    if err != nil { return err }
    s.r, s.addr, s.trans = r, addr, trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { s.lb = lb }

    obsCh := make(chan raft.Observation, 32)
    r.RegisterObserver(raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    }))
    go s.observeLeader(obsCh)

    if s.opts.Bootstrap {
        boot := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
        if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }
    logutil.Infof(s.log, "raftstore %s started at %s (bootstrap=%v, dir=%q)", s.opts.NodeID, addr, s.opts.Bootstrap, s.opts.DataDir)

    go func() {
        <-ctx.Done()
        _ = s.Stop()
    }()
    return nil
}

func (s *Store) observeLeader(ch <-chan raft.Observation) {
    for range ch {
        id, ok := s.Leader()
        if s.IsLeader() { metrics.RaftLeader.Set(1) } else { metrics.RaftLeader.Set(0) }
        if !ok { continue }
        li := LeaderInfo{ID: id, Addr: s.leaderRaftAddr()}
        logutil.Debugf(s.log, "raftstore %s: leader is %s (%s)", s.opts.NodeID, li.ID, li.Addr)
        select {
        case s.lch <- li:
        default:
            // newer observations follow; dropping keeps raft unblocked
        }
    }
}

// LeaderCh delivers leader changes. Slow readers miss intermediate leaders.
func (s *Store) LeaderCh() <-chan LeaderInfo { return s.lch }

func (s *Store) node() *raft.Raft {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.r
}

// Load serves reads from the local replica. A follower may lag behind; a
// commit built on a stale read fails with store.ErrConflict at the leader.
func (s *Store) Load(ctx context.Context, prefix string) (map[string]store.Entry, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    if s.node() == nil { return nil, store.ErrUnavailable }
    return s.tree.Load(prefix), nil
}

// Apply commits tx through the raft leader.
func (s *Store) Apply(ctx context.Context, tx store.Tx) error {
    if err := ctx.Err(); err != nil { return err }
    r := s.node()
    if r == nil { return store.ErrUnavailable }
    if r.State() == raft.Leader {
        return s.applyLocal(ctx, tx)
    }
    return s.forward(ctx, tx)
}

func (s *Store) applyLocal(ctx context.Context, tx store.Tx) error {
    r := s.node()
    if r == nil { return store.ErrUnavailable }
    if err := tx.Validate(); err != nil { return err }
    data, err := json.Marshal(command{Op: opCommit, Tx: tx})
    if err != nil { return err }
    timeout := s.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d < timeout { timeout = d }
    }
    af := r.Apply(data, timeout)
    if err := af.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
            return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
        }
        return err
    }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil {
            if errors.Is(e, store.ErrConflict) { metrics.StoreConflicts.Inc() }
            return e
        }
    }
    return nil
}

// forward sends tx to the leader's management endpoint, following one
// leader hint if the contacted node lost leadership meanwhile.
func (s *Store) forward(ctx context.Context, tx store.Tx) error {
    ctx, end := tracing.StartSpan(ctx, "raftstore.forward")
    defer end()
    if s.opts.Client == nil || s.opts.Resolve == nil {
        metrics.CommitsForwarded.WithLabelValues("unavailable").Inc()
        return fmt.Errorf("%w: follower cannot forward commits", store.ErrUnavailable)
    }
    id, ok := s.Leader()
    if !ok {
        metrics.CommitsForwarded.WithLabelValues("no_leader").Inc()
        return fmt.Errorf("%w: no raft leader", store.ErrUnavailable)
    }
    target := s.opts.Resolve(id)
    for attempt := 0; attempt < 2 && target != ""; attempt++ {
        resp, err := s.opts.Client.PostCommit(ctx, target, transport.CommitRequest{Tx: tx})
        if err != nil {
            metrics.CommitsForwarded.WithLabelValues("error").Inc()
            return fmt.Errorf("%w: forward to %s: %v", store.ErrUnavailable, target, err)
        }
        switch {
        case resp.Conflict:
            metrics.CommitsForwarded.WithLabelValues("conflict").Inc()
            metrics.StoreConflicts.Inc()
            return fmt.Errorf("%w: %s", store.ErrConflict, resp.Error)
        case resp.Error == errNotLeader:
            target = resp.Leader
            continue
        case resp.Error != "":
            metrics.CommitsForwarded.WithLabelValues("error").Inc()
            return errors.New(resp.Error)
        }
        metrics.CommitsForwarded.WithLabelValues("ok").Inc()
        return nil
    }
    metrics.CommitsForwarded.WithLabelValues("no_leader").Inc()
    return fmt.Errorf("%w: raft leader %s has no known management address", store.ErrUnavailable, id)
}

// HandleCommit applies a transaction forwarded by a follower. Only the leader
// accepts it.
func (s *Store) HandleCommit(ctx context.Context, req transport.CommitRequest) (transport.CommitResponse, error) {
    if !s.IsLeader() {
        return transport.CommitResponse{Error: errNotLeader}, nil
    }
    err := s.applyLocal(ctx, req.Tx)
    switch {
    case err == nil:
        return transport.CommitResponse{}, nil
    case errors.Is(err, store.ErrConflict):
        return transport.CommitResponse{Conflict: true, Error: err.Error()}, nil
    default:
        return transport.CommitResponse{Error: err.Error()}, nil
    }
}

func (s *Store) IsLeader() bool {
    r := s.node()
    return r != nil && r.State() == raft.Leader
}

// Leader returns the raft id of the current leader.
func (s *Store) Leader() (string, bool) {
    r := s.node()
    if r == nil { return "", false }
    _, id := r.LeaderWithID()
    if id == "" { return "", false }
    return string(id), true
}

func (s *Store) leaderRaftAddr() string {
    r := s.node()
    if r == nil { return "" }
    a, _ := r.LeaderWithID()
    return string(a)
}

// Addr is the raft transport address of this node.
func (s *Store) Addr() string {
    s.mu.RLock(); defer s.mu.RUnlock()
    return string(s.addr)
}

// Servers lists the raft configuration as id=address pairs.
func (s *Store) Servers() (map[string]string, error) {
    r := s.node()
    if r == nil { return nil, ErrNotStarted }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    out := make(map[string]string)
    for _, srv := range f.Configuration().Servers {
        out[string(srv.ID)] = string(srv.Address)
    }
    return out, nil
}

// AddVoter adds a voting server, replacing an entry with the same id and a
// different address.
func (s *Store) AddVoter(id, addr string, timeout time.Duration) error {
    r := s.node()
    if r == nil { return ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the raft configuration.
func (s *Store) RemoveServer(id string, timeout time.Duration) error {
    r := s.node()
    if r == nil { return ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// Tree exposes the local replica.
func (s *Store) Tree() *store.Tree { return s.tree }

func (s *Store) Stop() error {
    s.mu.Lock()
    r, bs := s.r, s.bolt
    s.r, s.bolt = nil, nil
    s.mu.Unlock()
    if r == nil { return nil }
    metrics.RaftLeader.Set(0)
    err := r.Shutdown().Error()
    if bs != nil {
        if cerr := bs.Close(); err == nil { err = cerr }
    }
    return err
}

var _ store.Backend = (*Store)(nil)

// isWildcard reports whether addr binds to all interfaces, which cannot be
// advertised to other nodes.
func isWildcard(addr string) bool {
    return strings.HasPrefix(addr, "0.0.0.0:") || strings.HasPrefix(addr, "[::]:") || strings.HasPrefix(addr, ":")
}
