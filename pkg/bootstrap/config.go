package bootstrap

import (
    "fmt"
    "log"
    "os"
    "strings"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-discovery/pkg/cluster"
)

// Config defines high-level inputs to assemble a discovery node with sensible
// defaults. Applications embed the service by providing this structure and
// calling Build/Run.
type Config struct {
    // InstanceID overrides the durable id kept in IdentityFile.
    InstanceID string
    // IdentityFile holds the durable instance id; default
    // <DataDir>/identity.db, or ./discovery-identity.db without DataDir.
    IdentityFile string

    // Gossip membership
    MemBind string // membership bind host:port; empty disables gossip
    MemAdv  string // optional advertise host:port
    // ClusterNodeID is this node's numeric id in the storage cluster. When
    // set (>= 0) it is gossiped and the gossip descriptor source is used.
    ClusterNodeID int
    // DescriptorFile selects a file descriptor source instead.
    DescriptorFile string
    DescriptorEnv  string

    // Management API (status/topology/join/leave/commit/metrics)
    MgmtAddr  string // host:port for management API (HTTP or gRPC)
    MgmtProto string // "http" (default) or "grpc"

    // Seeds for the gossip join
    SeedKind    string        // "static" (default), "dns", or "file"
    SeedsCSV    string        // used when SeedKind=static
    DNSNamesCSV string        // used when SeedKind=dns
    DNSPort     int           // used when SeedKind=dns (A/AAAA)
    SeedRefresh time.Duration // cache/refresh duration for dns and file seeds
    SeedFile    string        // used when SeedKind=file
    SeedEnv     string        // used when SeedKind=file

    // Shared store
    StoreKind     string // "memory" (default) or "raft"
    RaftAddr      string // e.g. ":9520"; empty uses an in-memory raft transport
    RaftAdvertise string
    DataDir       string // empty keeps raft in memory
    Bootstrap     bool   // form a single-node raft cluster
    // JoinAddr is the management address of any member; a non-bootstrap raft
    // node asks it to be added as a voter after start.
    JoinAddr string

    // TLS (optional) for management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Discovery carries the protocol timings and store paths.
    Discovery cluster.Config

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Default returns a Config with the protocol defaults and no gossip.
func Default() Config {
    return Config{
        ClusterNodeID: -1,
        MgmtProto:     "http",
        SeedKind:      "static",
        StoreKind:     "memory",
        Discovery:     cluster.DefaultConfig(),
    }
}

// fileConfig is the YAML layout read by LoadFile. The protocol keys use the
// historical option names and units.
type fileConfig struct {
    InstanceID   string `yaml:"instanceId"`
    IdentityFile string `yaml:"identityFile"`

    Gossip struct {
        Bind          string `yaml:"bind"`
        Advertise     string `yaml:"advertise"`
        ClusterNodeID *int   `yaml:"clusterNodeId"`
    } `yaml:"gossip"`

    Descriptor struct {
        File string `yaml:"file"`
        Env  string `yaml:"env"`
    } `yaml:"descriptor"`

    Mgmt struct {
        Addr  string `yaml:"addr"`
        Proto string `yaml:"proto"`
    } `yaml:"mgmt"`

    Seeds struct {
        Kind     string        `yaml:"kind"`
        List     []string      `yaml:"list"`
        DNSNames []string      `yaml:"dnsNames"`
        DNSPort  int           `yaml:"dnsPort"`
        Refresh  time.Duration `yaml:"refresh"`
        File     string        `yaml:"file"`
        Env      string        `yaml:"env"`
    } `yaml:"seeds"`

    Store struct {
        Kind      string `yaml:"kind"`
        RaftAddr  string `yaml:"raftAddr"`
        Advertise string `yaml:"raftAdvertise"`
        DataDir   string `yaml:"dataDir"`
        Bootstrap bool   `yaml:"bootstrap"`
        Join      string `yaml:"join"`
    } `yaml:"store"`

    TLS struct {
        Enable     bool   `yaml:"enable"`
        CA         string `yaml:"ca"`
        Cert       string `yaml:"cert"`
        Key        string `yaml:"key"`
        ServerName string `yaml:"serverName"`
        SkipVerify bool   `yaml:"skipVerify"`
    } `yaml:"tls"`

    Discovery struct {
        RootPath                         string `yaml:"rootPath"`
        HeartbeatTimeoutSeconds          int    `yaml:"heartbeatTimeoutSeconds"`
        HeartbeatIntervalSeconds         int    `yaml:"heartbeatIntervalSeconds"`
        VotingTimeoutSeconds             int    `yaml:"votingTimeoutSeconds"`
        ClusterSyncServiceTimeoutMillis  int    `yaml:"clusterSyncServiceTimeoutMillis"`
        ClusterSyncServiceIntervalMillis int    `yaml:"clusterSyncServiceIntervalMillis"`
        MinEventDelaySeconds             *int   `yaml:"minEventDelaySeconds"`
        DescriptorCheckIntervalMillis    int    `yaml:"descriptorCheckIntervalMillis"`
        IDMapPath                        string `yaml:"idMapPath"`
        SyncTokenPath                    string `yaml:"syncTokenPath"`
        LeaderElectionPrefix             string `yaml:"leaderElectionPrefix"`
    } `yaml:"discovery"`
}

// LoadFile reads a YAML config on top of Default. Unset keys keep their
// defaults; minEventDelaySeconds: 0 disables the delay.
func LoadFile(path string) (Config, error) {
    raw, err := os.ReadFile(path)
    if err != nil { return Config{}, fmt.Errorf("bootstrap: %w", err) }
    return Parse(raw)
}

// Parse decodes YAML config bytes; see LoadFile.
func Parse(raw []byte) (Config, error) {
    var fc fileConfig
    if err := yaml.Unmarshal(raw, &fc); err != nil {
        return Config{}, fmt.Errorf("bootstrap: parse config: %w", err)
    }
    cfg := Default()
    setStr(&cfg.InstanceID, fc.InstanceID)
    setStr(&cfg.IdentityFile, fc.IdentityFile)
    setStr(&cfg.MemBind, fc.Gossip.Bind)
    setStr(&cfg.MemAdv, fc.Gossip.Advertise)
    if fc.Gossip.ClusterNodeID != nil { cfg.ClusterNodeID = *fc.Gossip.ClusterNodeID }
    setStr(&cfg.DescriptorFile, fc.Descriptor.File)
    setStr(&cfg.DescriptorEnv, fc.Descriptor.Env)
    setStr(&cfg.MgmtAddr, fc.Mgmt.Addr)
    setStr(&cfg.MgmtProto, fc.Mgmt.Proto)

    setStr(&cfg.SeedKind, fc.Seeds.Kind)
    cfg.SeedsCSV = strings.Join(fc.Seeds.List, ",")
    cfg.DNSNamesCSV = strings.Join(fc.Seeds.DNSNames, ",")
    cfg.DNSPort = fc.Seeds.DNSPort
    cfg.SeedRefresh = fc.Seeds.Refresh
    setStr(&cfg.SeedFile, fc.Seeds.File)
    setStr(&cfg.SeedEnv, fc.Seeds.Env)

    setStr(&cfg.StoreKind, fc.Store.Kind)
    setStr(&cfg.RaftAddr, fc.Store.RaftAddr)
    setStr(&cfg.RaftAdvertise, fc.Store.Advertise)
    setStr(&cfg.DataDir, fc.Store.DataDir)
    cfg.Bootstrap = fc.Store.Bootstrap
    setStr(&cfg.JoinAddr, fc.Store.Join)

    cfg.TLSEnable = fc.TLS.Enable
    cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = fc.TLS.CA, fc.TLS.Cert, fc.TLS.Key
    cfg.TLSServerName, cfg.TLSSkipVerify = fc.TLS.ServerName, fc.TLS.SkipVerify

    d := &cfg.Discovery
    fd := fc.Discovery
    setStr(&d.RootPath, fd.RootPath)
    setDur(&d.HeartbeatTimeout, fd.HeartbeatTimeoutSeconds, time.Second)
    setDur(&d.HeartbeatInterval, fd.HeartbeatIntervalSeconds, time.Second)
    setDur(&d.VotingTimeout, fd.VotingTimeoutSeconds, time.Second)
    setDur(&d.ClusterSyncTimeout, fd.ClusterSyncServiceTimeoutMillis, time.Millisecond)
    setDur(&d.ClusterSyncInterval, fd.ClusterSyncServiceIntervalMillis, time.Millisecond)
    setDur(&d.DescriptorCheckInterval, fd.DescriptorCheckIntervalMillis, time.Millisecond)
    if fd.MinEventDelaySeconds != nil {
        d.MinEventDelay = time.Duration(*fd.MinEventDelaySeconds) * time.Second
        if d.MinEventDelay <= 0 { d.MinEventDelay = -1 }
    }
    setStr(&d.IDMapPath, fd.IDMapPath)
    setStr(&d.SyncTokenPath, fd.SyncTokenPath)
    setStr(&d.LeaderElectionPrefix, fd.LeaderElectionPrefix)
    return cfg, cfg.Validate()
}

// Validate checks option combinations that Build cannot recover from.
func (c Config) Validate() error {
    switch c.MgmtProto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown management protocol %q", c.MgmtProto)
    }
    switch c.SeedKind {
    case "", "static", "dns", "file":
    default:
        return fmt.Errorf("bootstrap: unknown seed kind %q", c.SeedKind)
    }
    switch c.StoreKind {
    case "", "memory":
    case "raft":
        if c.MgmtAddr == "" {
            return fmt.Errorf("bootstrap: the raft store needs a management address for commit forwarding")
        }
    default:
        return fmt.Errorf("bootstrap: unknown store kind %q", c.StoreKind)
    }
    if c.ClusterNodeID >= 0 && c.MemBind == "" {
        return fmt.Errorf("bootstrap: clusterNodeId is gossiped and needs a gossip bind address")
    }
    return c.Discovery.Validate()
}

func setStr(dst *string, v string) {
    if v != "" { *dst = v }
}

func setDur(dst *time.Duration, v int, unit time.Duration) {
    if v > 0 { *dst = time.Duration(v) * unit }
}
