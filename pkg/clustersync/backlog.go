package clustersync

import (
    "context"
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/topology"
)

// NodeIDs resolves an instance id to its numeric cluster node id.
type NodeIDs interface {
    ToClusterNodeID(ctx context.Context, instanceID string) (int, bool, error)
}

// BacklogOptions configures the backlog barrier.
type BacklogOptions struct {
    Descriptor *descriptor.Reader
    IDs        NodeIDs
    // InstanceID scopes the scheduler job name.
    InstanceID string
    Timeout    time.Duration
    Interval   time.Duration
    Scheduler  scheduler.Scheduler
    Clock      func() time.Time
    Logger     *log.Logger
}

// BacklogService waits until the storage layer has no backlog for the view:
// the descriptor is final and no member of the view is deactivating there.
type BacklogService struct {
    opts BacklogOptions
    bg   backgroundCheck
}

func NewBacklogService(opts BacklogOptions) (*BacklogService, error) {
    if opts.Descriptor == nil { return nil, errors.New("clustersync: nil descriptor reader") }
    if opts.IDs == nil { return nil, errors.New("clustersync: nil id map") }
    if opts.Scheduler == nil { return nil, errors.New("clustersync: nil scheduler") }
    if opts.Timeout <= 0 { opts.Timeout = 120 * time.Second }
    if opts.Interval <= 0 { opts.Interval = 2 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    s := &BacklogService{opts: opts}
    s.bg = newBackgroundCheck("backlog", opts.InstanceID, opts.Scheduler, opts.Clock, opts.Logger)
    return s, nil
}

func (s *BacklogService) Sync(v *topology.View, done func()) {
    ids := v.IDs()
    s.bg.start(s.opts.Timeout, s.opts.Interval, func(ctx context.Context) (bool, error) {
        return s.settled(ctx, ids)
    }, func(Result) { done() })
}

func (s *BacklogService) CancelSync() { s.bg.stop() }

func (s *BacklogService) settled(ctx context.Context, ids []string) (bool, error) {
    d, err := s.opts.Descriptor.Final(ctx)
    if errors.Is(err, descriptor.ErrNotFinal) {
        logutil.Debugf(s.opts.Logger, "backlog: descriptor seq=%d not final", d.Seq)
        return false, nil
    }
    if err != nil { return false, err }
    for _, id := range ids {
        cid, ok, err := s.opts.IDs.ToClusterNodeID(ctx, id)
        if err != nil { return false, err }
        if !ok {
            logutil.Debugf(s.opts.Logger, "backlog: %s not in id map yet", id)
            return false, nil
        }
        if d.IsDeactivating(cid) {
            logutil.Debugf(s.opts.Logger, "backlog: %s (cid %d) still deactivating", id, cid)
            return false, nil
        }
    }
    return true, nil
}
