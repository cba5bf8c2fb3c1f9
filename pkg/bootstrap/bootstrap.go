// Package bootstrap assembles a discovery node from a flat Config: durable
// identity, gossip membership, descriptor source, seeds, the shared store
// backend and the management transport.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "go.uber.org/multierr"

    "github.com/amirimatin/go-discovery/pkg/cluster"
    "github.com/amirimatin/go-discovery/pkg/descriptor"
    descfile "github.com/amirimatin/go-discovery/pkg/descriptor/file"
    descgossip "github.com/amirimatin/go-discovery/pkg/descriptor/gossip"
    "github.com/amirimatin/go-discovery/pkg/identity"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/membership"
    ml "github.com/amirimatin/go-discovery/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-discovery/pkg/security/tlsconfig"
    "github.com/amirimatin/go-discovery/pkg/seeds"
    sDNS "github.com/amirimatin/go-discovery/pkg/seeds/dns"
    sFile "github.com/amirimatin/go-discovery/pkg/seeds/file"
    sStatic "github.com/amirimatin/go-discovery/pkg/seeds/static"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/store/memstore"
    "github.com/amirimatin/go-discovery/pkg/store/raftstore"
    "github.com/amirimatin/go-discovery/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-discovery/pkg/transport/grpc"
    "github.com/amirimatin/go-discovery/pkg/transport/httpjson"
)

// Node is an assembled discovery service together with the resources it
// owns. Cluster is usable right after Build; Start brings everything up.
type Node struct {
    *cluster.Cluster

    cfg  Config
    log  *log.Logger
    raft *raftstore.Store
    grpc *mgmtgrpc.Client

    mu      sync.Mutex
    started bool
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.MgmtProto == "" { cfg.MgmtProto = "http" }
    if err := cfg.Validate(); err != nil { return nil, err }

    id, err := resolveInstanceID(cfg)
    if err != nil { return nil, err }
    n := &Node{cfg: cfg, log: cfg.Logger}

    // Management API
    srv, cli, err := n.buildMgmt()
    if err != nil { return nil, err }

    // Membership (memberlist). The management address and cluster node id
    // travel as gossip metadata.
    var mem membership.Membership
    if cfg.MemBind != "" {
        meta := map[string]string{membership.MetaInstanceID: id}
        if cfg.MgmtAddr != "" { meta[membership.MetaMgmt] = cfg.MgmtAddr }
        if cfg.ClusterNodeID >= 0 { meta[membership.MetaClusterNodeID] = strconv.Itoa(cfg.ClusterNodeID) }
        mem, err = ml.New(ml.Options{NodeID: id, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
        if err != nil { return nil, err }
    }

    var src descriptor.Source
    switch {
    case cfg.DescriptorFile != "" || cfg.DescriptorEnv != "":
        src = descfile.New(descfile.Options{Path: cfg.DescriptorFile, Env: cfg.DescriptorEnv})
    case mem != nil && cfg.ClusterNodeID >= 0:
        src = descgossip.New(mem)
    }

    var sp seeds.Provider
    if mem != nil { sp = buildSeeds(cfg) }

    // Shared store
    var backend store.Backend
    var repl cluster.Replicated
    var clRef *cluster.Cluster
    switch cfg.StoreKind {
    case "raft":
        rs, err := raftstore.New(raftstore.Options{
            NodeID:    id,
            Logger:    cfg.Logger,
            Bootstrap: cfg.Bootstrap,
            BindAddr:  cfg.RaftAddr,
            Advertise: cfg.RaftAdvertise,
            DataDir:   raftDir(cfg.DataDir),
            Client:    cli,
            Resolve: func(leader string) string {
                if clRef == nil { return "" }
                return clRef.ManagementAddr(leader)
            },
        })
        if err != nil { return nil, err }
        n.raft = rs
        backend, repl = rs, rs
    default:
        backend = memstore.New()
    }

    cl, err := cluster.New(cluster.Options{
        InstanceID: id,
        Config:     cfg.Discovery,
        Store:      backend,
        Replicated: repl,
        Descriptor: src,
        Membership: mem,
        Seeds:      sp,
        RPCServer:  srv,
        RPCClient:  cli,
        Endpoints:  cfg.MgmtAddr,
        Logger:     cfg.Logger,
    })
    if err != nil { return nil, err }
    clRef = cl
    n.Cluster = cl
    return n, nil
}

// Run builds and starts a Node. The caller stops it with Stop.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil { return nil, err }
    return n, nil
}

// Start brings up the store backend before the discovery service, then joins
// the raft cluster in the background when JoinAddr is set.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.started { return nil }
    if n.raft != nil {
        if err := n.raft.Start(ctx); err != nil { return fmt.Errorf("bootstrap: raft store: %w", err) }
    }
    if err := n.Cluster.Start(ctx); err != nil {
        if n.raft != nil { _ = n.raft.Stop() }
        return err
    }
    n.started = true
    if n.raft != nil && !n.cfg.Bootstrap && n.cfg.JoinAddr != "" {
        go n.joinLoop(ctx)
    }
    return nil
}

// joinLoop retries the voter join until it is accepted or ctx ends.
func (n *Node) joinLoop(ctx context.Context) {
    backoff := 500 * time.Millisecond
    for {
        err := n.Cluster.Join(ctx, n.cfg.JoinAddr)
        if err == nil {
            logutil.Infof(n.log, "joined raft store via %s", n.cfg.JoinAddr)
            return
        }
        logutil.Warnf(n.log, "raft join via %s failed: %v (retry in %s)", n.cfg.JoinAddr, err, backoff)
        select {
        case <-ctx.Done():
            return
        case <-time.After(backoff):
        }
        if backoff < 10*time.Second { backoff *= 2 }
    }
}

// Stop stops the discovery service, then the store backend.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    var err error
    err = multierr.Append(err, n.Cluster.Stop(ctx))
    if n.raft != nil {
        err = multierr.Append(err, n.raft.Stop())
    }
    if n.grpc != nil { n.grpc.Close() }
    n.started = false
    return err
}

// Close stops the node with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

// RaftStore returns the replicated backend, or nil with the memory store.
func (n *Node) RaftStore() *raftstore.Store { return n.raft }

func (n *Node) buildMgmt() (transport.RPCServer, transport.RPCClient, error) {
    cfg := n.cfg
    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
        if err := topts.Validate(); err != nil { return nil, nil, err }
        var err error
        if srvTLS, err = topts.Server(); err != nil { return nil, nil, err }
        if cliTLS, err = topts.Client(); err != nil { return nil, nil, err }
    }
    var (
        srv transport.RPCServer
        cli transport.RPCClient
    )
    switch cfg.MgmtProto {
    case "grpc":
        c := mgmtgrpc.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        n.grpc = c
        cli = c
        if cfg.MgmtAddr != "" {
            s := mgmtgrpc.NewServer(cfg.MgmtAddr)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            srv = s
        }
    default:
        c := httpjson.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        cli = c
        if cfg.MgmtAddr != "" {
            s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
            if srvTLS != nil { s.UseTLS(srvTLS) }
            srv = s
        }
    }
    return srv, cli, nil
}

func buildSeeds(cfg Config) seeds.Provider {
    switch cfg.SeedKind {
    case "dns":
        return sDNS.New(sDNS.Options{Names: seeds.Split(cfg.DNSNamesCSV), Port: cfg.DNSPort, Refresh: cfg.SeedRefresh, Logger: cfg.Logger})
    case "file":
        return sFile.New(sFile.Options{Path: cfg.SeedFile, Env: cfg.SeedEnv, Refresh: cfg.SeedRefresh})
    default:
        return sStatic.Parse(cfg.SeedsCSV)
    }
}

func resolveInstanceID(cfg Config) (string, error) {
    if cfg.InstanceID != "" {
        return cfg.InstanceID, identity.Validate(cfg.InstanceID)
    }
    path := cfg.IdentityFile
    if path == "" {
        path = "discovery-identity.db"
        if cfg.DataDir != "" { path = filepath.Join(cfg.DataDir, "identity.db") }
    }
    id, err := identity.Load(path)
    if err != nil { return "", fmt.Errorf("bootstrap: instance id: %w", err) }
    return id, nil
}

func raftDir(dataDir string) string {
    if dataDir == "" { return "" }
    return filepath.Join(dataDir, "raft")
}
