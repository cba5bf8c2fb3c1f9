package cluster

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/identity"
    "github.com/amirimatin/go-discovery/pkg/membership"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/seeds"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

// DefaultRoot is the store path all discovery data lives under.
const DefaultRoot = "/var/discovery"

// Config holds the protocol timings and store paths.
type Config struct {
    // RootPath is the store root; default /var/discovery.
    RootPath string
    // HeartbeatInterval between two heartbeats of this instance.
    HeartbeatInterval time.Duration
    // HeartbeatTimeout after which a silent instance is no longer live.
    HeartbeatTimeout time.Duration
    // VotingTimeout after which an undecided ballot is dropped. Defaults to
    // HeartbeatTimeout.
    VotingTimeout time.Duration
    // ClusterSyncTimeout caps each sync barrier; the barrier completes
    // anyway when it expires.
    ClusterSyncTimeout  time.Duration
    ClusterSyncInterval time.Duration
    // MinEventDelay holds back TOPOLOGY_CHANGED after a change was detected.
    MinEventDelay time.Duration
    // DescriptorCheckInterval is the retry interval of the id map initializer.
    DescriptorCheckInterval time.Duration
    IDMapPath               string
    SyncTokenPath           string
    // LeaderElectionPrefix "1" lets this instance lose every leader election
    // against instances using the default "0".
    LeaderElectionPrefix string
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
    return Config{
        RootPath:                DefaultRoot,
        HeartbeatInterval:       30 * time.Second,
        HeartbeatTimeout:        120 * time.Second,
        ClusterSyncTimeout:      120 * time.Second,
        ClusterSyncInterval:     2 * time.Second,
        MinEventDelay:           3 * time.Second,
        DescriptorCheckInterval: 2 * time.Second,
        LeaderElectionPrefix:    "0",
    }
}

// withDefaults fills unset fields. A negative MinEventDelay disables the
// delay; zero means the default.
func (c Config) withDefaults() Config {
    d := DefaultConfig()
    if c.RootPath == "" { c.RootPath = d.RootPath }
    if c.HeartbeatInterval <= 0 { c.HeartbeatInterval = d.HeartbeatInterval }
    if c.HeartbeatTimeout <= 0 { c.HeartbeatTimeout = d.HeartbeatTimeout }
    if c.VotingTimeout <= 0 { c.VotingTimeout = c.HeartbeatTimeout }
    if c.ClusterSyncTimeout <= 0 { c.ClusterSyncTimeout = d.ClusterSyncTimeout }
    if c.ClusterSyncInterval <= 0 { c.ClusterSyncInterval = d.ClusterSyncInterval }
    if c.MinEventDelay == 0 { c.MinEventDelay = d.MinEventDelay }
    if c.MinEventDelay < 0 { c.MinEventDelay = 0 }
    if c.DescriptorCheckInterval <= 0 { c.DescriptorCheckInterval = d.DescriptorCheckInterval }
    if c.LeaderElectionPrefix == "" { c.LeaderElectionPrefix = d.LeaderElectionPrefix }
    c.RootPath = store.Clean(c.RootPath)
    if c.IDMapPath == "" { c.IDMapPath = store.Join(c.RootPath, "idMap") }
    if c.SyncTokenPath == "" { c.SyncTokenPath = store.Join(c.RootPath, "syncTokens") }
    return c
}

// Validate checks the relations between the timings. Call it on a config
// with defaults applied.
func (c Config) Validate() error {
    c = c.withDefaults()
    if c.HeartbeatTimeout <= c.HeartbeatInterval {
        return fmt.Errorf("cluster: heartbeat timeout %s must exceed the interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
    }
    if c.LeaderElectionPrefix != "0" && c.LeaderElectionPrefix != "1" {
        return fmt.Errorf("cluster: invalid leader election prefix %q", c.LeaderElectionPrefix)
    }
    return nil
}

// Replicated is implemented by store backends that replicate through raft
// and can therefore take voter changes and forwarded commits.
type Replicated interface {
    IsLeader() bool
    // Leader returns the raft id of the current leader.
    Leader() (id string, ok bool)
    // Addr of the embedded Transport is the local raft address.
    transport.Transport
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
    HandleCommit(ctx context.Context, req transport.CommitRequest) (transport.CommitResponse, error)
}

// Options carries dependency-injected components and runtime configuration used
// to assemble the discovery service. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // InstanceID is the durable id of this instance (see package identity).
    InstanceID string
    Config     Config
    // Store is the shared store backend (memstore, raftstore).
    Store store.Backend
    // Replicated is set when Store is a raft backend; enables join/leave
    // and commit forwarding on the management endpoint.
    Replicated Replicated

    // Scheduler runs the periodic jobs. Nil creates a private Ticker that
    // Stop also stops.
    Scheduler scheduler.Scheduler
    // Descriptor is the optional storage-layer descriptor source. With it the
    // id map runs, liveness honours deactivating instances and the sync
    // chain waits for the storage backlog.
    Descriptor descriptor.Source

    // Membership is the optional gossip layer used to find management
    // addresses and to react faster to departures.
    Membership membership.Membership
    Seeds      seeds.Provider

    // Optional management RPC
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Endpoints is published with the heartbeat record for diagnostics.
    Endpoints string
    Clock     func() time.Time
    Logger    *log.Logger

    // OnDuplicate runs when another process with the same instance id is
    // detected. Default: stop this service.
    OnDuplicate func(reason string)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.InstanceID == "" {
        return ErrNoInstanceID
    }
    if err := identity.Validate(o.InstanceID); err != nil {
        return fmt.Errorf("cluster: %w", err)
    }
    if o.Store == nil {
        return errors.New("cluster: nil Store")
    }
    if o.Seeds != nil && o.Membership == nil {
        return errors.New("cluster: Seeds need a Membership")
    }
    return o.Config.Validate()
}
