package cluster

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

func (c *Cluster) handlers() transport.Handlers {
    h := transport.Handlers{
        Status:   c.statusJSON,
        Topology: c.topologyJSON,
    }
    if c.opts.Replicated != nil {
        h.Join = c.handleJoin
        h.Leave = c.handleLeave
        h.Commit = c.handleCommit
    }
    return h
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := c.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (c *Cluster) topologyJSON(ctx context.Context) ([]byte, error) {
    v, err := c.Topology(ctx)
    if err != nil { return nil, err }
    return json.Marshal(v)
}

func (c *Cluster) storeLeaderAddr() string {
    if id, ok := c.opts.Replicated.Leader(); ok {
        return c.lookupMemberAddr(id)
    }
    return ""
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handleJoin", tracing.Instance(req.ID))
    defer end()
    r := c.opts.Replicated
    // Only leader accepts join requests
    if !r.IsLeader() {
        metrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(c.opts.Logger, "join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Accepted: false, Leader: c.storeLeaderAddr(), Error: "not leader"}, nil
    }
    if req.ID == "" || req.RaftAddr == "" {
        metrics.JoinRequests.WithLabelValues("invalid").Inc()
        return transport.JoinResponse{Accepted: false, Error: "id and raftAddr are required"}, nil
    }
    if err := r.AddVoter(req.ID, req.RaftAddr, voterTimeout); err != nil {
        metrics.JoinRequests.WithLabelValues("failed").Inc()
        logutil.Errorf(c.opts.Logger, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    metrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(c.opts.Logger, "join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handleLeave", tracing.Instance(req.ID))
    defer end()
    r := c.opts.Replicated
    if !r.IsLeader() {
        logutil.Warnf(c.opts.Logger, "leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Accepted: false, Leader: c.storeLeaderAddr(), Error: "not leader"}, nil
    }
    if err := r.RemoveServer(req.ID, voterTimeout); err != nil {
        logutil.Warnf(c.opts.Logger, "remove voter failed: id=%s err=%v", req.ID, err)
        return transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil
    }
    logutil.Infof(c.opts.Logger, "leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}

func (c *Cluster) handleCommit(ctx context.Context, req transport.CommitRequest) (transport.CommitResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handleCommit")
    defer end()
    resp, err := c.opts.Replicated.HandleCommit(ctx, req)
    if err != nil { return resp, err }
    if resp.Error == "not leader" && resp.Leader == "" {
        resp.Leader = c.storeLeaderAddr()
    }
    return resp, nil
}
