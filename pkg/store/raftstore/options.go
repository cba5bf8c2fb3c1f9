package raftstore

import (
    "log"
    "time"

    "github.com/amirimatin/go-discovery/pkg/transport"
)

// Options configure a raft replicated store.
type Options struct {
    // NodeID is the raft server id; use the instance id.
    NodeID string
    Logger *log.Logger

    // Bootstrap forms a single-node raft cluster on Start when true. Other
    // nodes join it through the management /join call.
    Bootstrap bool

    // Timeouts (optional). Zero means raft defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    // ApplyTimeout bounds how long a commit waits for the raft log.
    ApplyTimeout time.Duration

    // BindAddr selects a TCP transport bound to this address
    // (e.g. "127.0.0.1:0"). Empty uses an in-memory transport.
    BindAddr string
    // Advertise overrides the address other nodes dial.
    Advertise string

    // DataDir selects bolt log/stable stores and a file snapshot store.
    // Empty keeps everything in memory.
    DataDir           string
    SnapshotsRetained int

    // Client forwards commits from followers to the leader's management
    // endpoint. Without it followers fail writes with store.ErrUnavailable.
    Client transport.RPCClient
    // Resolve maps the leader's raft id to its management address.
    Resolve func(id string) string
}
