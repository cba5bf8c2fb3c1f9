// Package idmap maps the transient numeric cluster node ids of the storage
// layer to durable instance ids. The table lives in a single store node whose
// properties are instanceId -> clusterNodeId. Each instance owns exactly one
// entry and repairs stale entries that collide with it.
package idmap

import (
    "context"
    "errors"
    "fmt"
    "log"
    "strconv"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
)

const jobName = "idmap-init"

// ErrNotInitialized is returned by lookups that require the local entry.
var ErrNotInitialized = errors.New("idmap: not initialized")

// Options configures the id map service.
type Options struct {
    Store      *store.Store
    Path       string
    InstanceID string
    Descriptor *descriptor.Reader
    Scheduler  scheduler.Scheduler
    // CheckInterval is the background init retry interval; default 2s.
    CheckInterval time.Duration
    Logger        *log.Logger
}

func (o Options) Validate() error {
    if o.Store == nil { return errors.New("idmap: nil store") }
    if o.InstanceID == "" { return errors.New("idmap: empty instance id") }
    if o.Descriptor == nil { return errors.New("idmap: nil descriptor reader") }
    return nil
}

// Service is the id map.
type Service struct {
    opts Options
    job  string

    mu          sync.Mutex
    initialized bool
    me          int
    cache       map[int]string
}

func New(opts Options) (*Service, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Path == "" { opts.Path = store.Join(opts.Store.Root(), "idMap") }
    if opts.CheckInterval <= 0 { opts.CheckInterval = 2 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Service{opts: opts, job: jobName + "." + opts.InstanceID, cache: make(map[int]string)}, nil
}

// Start tries Init right away and keeps a background check running that
// retries until it succeeds and re-initializes whenever the local numeric id
// changes.
func (s *Service) Start(ctx context.Context) error {
    if _, err := s.Init(ctx); err != nil {
        logutil.Infof(s.opts.Logger, "idmap: init deferred: %v", err)
    }
    if s.opts.Scheduler == nil { return nil }
    return s.opts.Scheduler.Every(s.job, s.opts.CheckInterval, func(ctx context.Context) {
        if _, err := s.Init(ctx); err != nil {
            logutil.Debugf(s.opts.Logger, "idmap: background init: %v", err)
        }
    })
}

// Stop cancels the background check.
func (s *Service) Stop() {
    if s.opts.Scheduler != nil { s.opts.Scheduler.Cancel(s.job) }
}

// IsInitialized reports whether the local entry has been written.
func (s *Service) IsInitialized() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    return s.initialized
}

// Init reads a final descriptor and writes the local entry, removing every
// entry that conflicts with it. It is a no-op once done for the current
// numeric id. The boolean reports whether the map is initialized.
func (s *Service) Init(ctx context.Context) (bool, error) {
    d, err := s.opts.Descriptor.Final(ctx)
    if err != nil { return false, err }
    s.mu.Lock()
    done := s.initialized && s.me == d.Me
    s.mu.Unlock()
    if done { return true, nil }

    ctx, end := tracing.StartSpan(ctx, "idmap.init", tracing.Instance(s.opts.InstanceID))
    defer end()
    me := strconv.Itoa(d.Me)
    var removed []string
    err = store.Retry(ctx, s.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        removed = removed[:0]
        node, err := sess.GetOrCreate(s.opts.Path)
        if err != nil { return err }
        var stale []string
        for id, cid := range node.Props {
            switch {
            case id == s.opts.InstanceID && cid != me:
                stale = append(stale, id)
            case id != s.opts.InstanceID && cid == me:
                stale = append(stale, id)
            }
        }
        if len(stale) > 0 {
            if err := sess.Remove(s.opts.Path, stale...); err != nil { return err }
            removed = append(removed, stale...)
        }
        return sess.Write(s.opts.Path, store.Properties{s.opts.InstanceID: me})
    })
    if err != nil { return false, fmt.Errorf("idmap: init: %w", err) }
    for _, id := range removed {
        logutil.Infof(s.opts.Logger, "idmap: removed stale entry %s", id)
    }
    s.mu.Lock()
    s.initialized = true
    s.me = d.Me
    s.cache = make(map[int]string)
    s.mu.Unlock()
    logutil.Infof(s.opts.Logger, "idmap: mapped %s to cluster node id %d", s.opts.InstanceID, d.Me)
    return true, nil
}

// ToInstanceID resolves a numeric id, reading the store on a cache miss.
// ok is false when nothing maps to cid.
func (s *Service) ToInstanceID(ctx context.Context, cid int) (string, bool, error) {
    s.mu.Lock()
    id, hit := s.cache[cid]
    s.mu.Unlock()
    if hit {
        metrics.IDMapLookups.WithLabelValues("hit").Inc()
        return id, true, nil
    }
    m, err := s.reload(ctx)
    if err != nil { return "", false, err }
    id, ok := m[cid]
    if !ok {
        metrics.IDMapLookups.WithLabelValues("unmapped").Inc()
        return "", false, nil
    }
    metrics.IDMapLookups.WithLabelValues("miss").Inc()
    return id, true, nil
}

// ToClusterNodeID is the reverse lookup.
func (s *Service) ToClusterNodeID(ctx context.Context, instanceID string) (int, bool, error) {
    s.mu.Lock()
    for cid, id := range s.cache {
        if id == instanceID { s.mu.Unlock(); return cid, true, nil }
    }
    s.mu.Unlock()
    m, err := s.reload(ctx)
    if err != nil { return 0, false, err }
    for cid, id := range m {
        if id == instanceID { return cid, true, nil }
    }
    return 0, false, nil
}

// Map returns the full table, freshly read.
func (s *Service) Map(ctx context.Context) (map[int]string, error) { return s.reload(ctx) }

// ClearCache drops the local cache so the next lookup re-reads the store.
func (s *Service) ClearCache() {
    s.mu.Lock(); defer s.mu.Unlock()
    s.cache = make(map[int]string)
}

func (s *Service) reload(ctx context.Context) (map[int]string, error) {
    sess, err := s.opts.Store.Session(ctx)
    if err != nil { return nil, err }
    defer sess.Close()
    props, err := sess.Read(s.opts.Path)
    if errors.Is(err, store.ErrNotFound) { props = store.Properties{} } else if err != nil { return nil, err }
    m := make(map[int]string, len(props))
    ambiguous := make(map[int]struct{})
    for id, v := range props {
        cid, err := strconv.Atoi(v)
        if err != nil {
            logutil.Warnf(s.opts.Logger, "idmap: ignoring malformed entry %s=%q", id, v)
            continue
        }
        if prev, dup := m[cid]; dup {
            // unresolved until the current owner's init removes the stale entry
            logutil.Warnf(s.opts.Logger, "idmap: cluster node id %d claimed by %s and %s", cid, prev, id)
            ambiguous[cid] = struct{}{}
            continue
        }
        m[cid] = id
    }
    for cid := range ambiguous { delete(m, cid) }
    s.mu.Lock()
    s.cache = make(map[int]string, len(m))
    for k, v := range m { s.cache[k] = v }
    s.mu.Unlock()
    return m, nil
}
