package clustersync

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/topology"
)

const tokenKey = "token"

// TokenOptions configures the sync-token barrier.
type TokenOptions struct {
    Store      *store.Store
    InstanceID string
    // Path holding one child per instance; default <root>/syncTokens.
    Path string
    // Timeout caps the wait; default 120s. The callback fires on timeout too.
    Timeout time.Duration
    // Interval between polls; default 2s.
    Interval time.Duration
    // Scheduler drives the polls. Clock measures the timeout; default time.Now.
    Scheduler scheduler.Scheduler
    Clock     func() time.Time
    Logger    *log.Logger
    // OnResult, when set, observes every completed pass.
    OnResult func(v *topology.View, r Result)
}

// TokenService is the sync-token barrier.
type TokenService struct {
    opts TokenOptions
    bg   backgroundCheck
}

func NewTokenService(opts TokenOptions) (*TokenService, error) {
    if opts.Store == nil { return nil, errors.New("clustersync: nil store") }
    if opts.InstanceID == "" { return nil, errors.New("clustersync: empty instance id") }
    if opts.Scheduler == nil { return nil, errors.New("clustersync: nil scheduler") }
    if opts.Path == "" { opts.Path = store.Join(opts.Store.Root(), "syncTokens") }
    if opts.Timeout <= 0 { opts.Timeout = 120 * time.Second }
    if opts.Interval <= 0 { opts.Interval = 2 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    s := &TokenService{opts: opts}
    s.bg = newBackgroundCheck("synctoken", opts.InstanceID, opts.Scheduler, opts.Clock, opts.Logger)
    return s, nil
}

// Sync stores the local token for v and completes once every member of v
// has stored the same token, or the timeout passed. A running pass is
// cancelled first.
func (s *TokenService) Sync(v *topology.View, done func()) {
    token := v.SyncTokenID
    if token == "" {
        logutil.Warnf(s.opts.Logger, "synctoken: view has no sync token id, completing directly")
        s.bg.stop()
        go done()
        return
    }
    ids := v.IDs()
    stored := false
    p := func(ctx context.Context) (bool, error) {
        if !stored {
            if err := s.storeToken(ctx, token); err != nil { return false, err }
            stored = true
        }
        missing, err := s.missing(ctx, ids, token)
        if err != nil { return false, err }
        for _, id := range missing {
            // overwritten by a superseded pass still in flight
            if id == s.opts.InstanceID { stored = false }
        }
        return len(missing) == 0, nil
    }
    logutil.Infof(s.opts.Logger, "synctoken: syncing token %s for %d members", token, len(ids))
    s.bg.start(s.opts.Timeout, s.opts.Interval, p, func(r Result) {
        if s.opts.OnResult != nil { s.opts.OnResult(v, r) }
        done()
    })
}

// CancelSync aborts the running pass without invoking its callback.
func (s *TokenService) CancelSync() { s.bg.stop() }

func (s *TokenService) storeToken(ctx context.Context, token string) error {
    ctx, end := tracing.StartSpan(ctx, "clustersync.storeToken", tracing.Instance(s.opts.InstanceID))
    defer end()
    path := store.Join(s.opts.Path, s.opts.InstanceID)
    err := store.Retry(ctx, s.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        return sess.Write(path, store.Properties{tokenKey: token})
    })
    if err != nil { return fmt.Errorf("store token: %w", err) }
    logutil.Debugf(s.opts.Logger, "synctoken: stored %s", token)
    return nil
}

func (s *TokenService) missing(ctx context.Context, ids []string, token string) ([]string, error) {
    sess, err := s.opts.Store.Session(ctx)
    if err != nil { return nil, err }
    defer sess.Close()
    var missing []string
    for _, id := range ids {
        props, err := sess.Read(store.Join(s.opts.Path, id))
        if err != nil || props[tokenKey] != token {
            missing = append(missing, id)
        }
    }
    if len(missing) > 0 {
        logutil.Debugf(s.opts.Logger, "synctoken: waiting for %v", missing)
        return missing, nil
    }
    logutil.Infof(s.opts.Logger, "synctoken: all %d members reached %s", len(ids), token)
    return nil, nil
}
