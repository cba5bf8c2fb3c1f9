package cluster

import "errors"

var (
    ErrNoInstanceID    = errors.New("cluster: empty instance id")
    ErrNotLeader       = errors.New("cluster: not leader")
    ErrNoLeader        = errors.New("cluster: cannot resolve leader management address")
    ErrNotReplicated   = errors.New("cluster: store is not replicated")
    ErrNoRPCClient     = errors.New("cluster: no RPC client configured")
    ErrStopped         = errors.New("cluster: stopped")
    ErrInvalidProperty = errors.New("cluster: invalid property name")
)
