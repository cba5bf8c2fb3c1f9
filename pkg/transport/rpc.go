package transport

import (
    "context"

    "github.com/amirimatin/go-discovery/pkg/store"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// TopologyFunc returns the JSON-encoded current topology view.
type TopologyFunc func(ctx context.Context) ([]byte, error)

// JoinRequest asks the store leader to add a raft voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a voter.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// CommitRequest carries a store transaction from a follower to the leader.
type CommitRequest struct {
    Tx store.Tx `json:"tx"`
}

// CommitResponse reports the outcome of a forwarded commit. Conflict is set
// when the transaction lost an optimistic check; Leader hints the current
// leader's management address when the receiver is not the leader.
type CommitResponse struct {
    Conflict bool   `json:"conflict,omitempty"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// CommitFunc applies a forwarded store transaction.
type CommitFunc func(ctx context.Context, req CommitRequest) (CommitResponse, error)

// Handlers groups the management callbacks a server dispatches to. Nil
// handlers answer with "not supported".
type Handlers struct {
    Status   StatusFunc
    Topology TopologyFunc
    Join     JoinFunc
    Leave    LeaveFunc
    Commit   CommitFunc
}

// RPCServer exposes management endpoints (/status, /topology, /join,
// /leave, /commit) for intra-cluster calls.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster calls to other nodes using the chosen
// management protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetTopology(ctx context.Context, addr string) ([]byte, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostCommit(ctx context.Context, addr string, req CommitRequest) (CommitResponse, error)
}

// ErrNotSupported is the error text returned for missing handlers.
const ErrNotSupported = "not supported"
