package heartbeat_test

import (
    "context"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/heartbeat"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/store/memstore"
    "github.com/amirimatin/go-discovery/pkg/voting"
)

const (
    interval = time.Second
    timeout  = 10 * time.Second
)

type env struct {
    backend *memstore.Backend
    st      *store.Store
    sched   *scheduler.Manual
}

func newEnv() *env {
    b := memstore.New()
    return &env{
        backend: b,
        st:      store.New(b, "/var/discovery"),
        sched:   scheduler.NewManual(time.UnixMilli(1_700_000_000_000)),
    }
}

type instance struct {
    hb        *heartbeat.Handler
    changing  atomic.Int32
    duplicate chan string
}

func (e *env) instance(t *testing.T, id string, mutate func(*heartbeat.Options)) *instance {
    t.Helper()
    v, err := voting.New(voting.Options{Store: e.st, InstanceID: id, Timeout: timeout, Clock: e.sched.Now})
    require.NoError(t, err)
    in := &instance{duplicate: make(chan string, 1)}
    opts := heartbeat.Options{
        Store:       e.st,
        InstanceID:  id,
        Voting:      v,
        Scheduler:   e.sched,
        Interval:    interval,
        Timeout:     timeout,
        Clock:       e.sched.Now,
        OnChanging:  func() { in.changing.Add(1) },
        OnDuplicate: func(reason string) { in.duplicate <- reason },
    }
    if mutate != nil { mutate(&opts) }
    in.hb, err = heartbeat.New(opts)
    require.NoError(t, err)
    return in
}

func (e *env) read(t *testing.T, p string) store.Properties {
    t.Helper()
    sess, err := e.st.Session(context.Background())
    require.NoError(t, err)
    defer sess.Close()
    props, err := sess.Read(p)
    require.NoError(t, err)
    return props
}

func (e *env) ongoing(ctx context.Context) ([]*voting.Ballot, error) {
    sess, err := e.st.Session(ctx)
    if err != nil { return nil, err }
    defer sess.Close()
    return voting.LoadOngoing(sess, layout(e)), nil
}

func layout(e *env) voting.Layout { return voting.Layout{Root: e.st.Root()} }

func TestLeaderElectionIDFormat(t *testing.T) {
    got := heartbeat.LeaderElectionID("0", time.UnixMilli(42), "x")
    require.Equal(t, "0_0000000000000000042_x", got)
    require.Less(t, heartbeat.LeaderElectionID("0", time.UnixMilli(9), "z"), heartbeat.LeaderElectionID("0", time.UnixMilli(10), "a"))
    require.Less(t, heartbeat.LeaderElectionID("0", time.UnixMilli(99), "z"), heartbeat.LeaderElectionID("1", time.UnixMilli(1), "a"))
}

func TestIssueHeartbeatIsIdempotent(t *testing.T) {
    ctx := context.Background()
    e := newEnv()
    a := e.instance(t, "a", func(o *heartbeat.Options) {
        o.Properties = func() map[string]string { return map[string]string{"role": "author"} }
        // jobs parked on an idle scheduler; e.sched only moves the clock
        o.Scheduler = scheduler.NewManual(time.Time{})
    })
    require.NoError(t, a.hb.Start(ctx))
    rec := e.read(t, layout(e).Instance("a"))
    runtimeID := rec[heartbeat.KeyRuntimeID]
    require.Equal(t, a.hb.RuntimeID(), runtimeID)
    require.Equal(t, a.hb.LeaderElectionID(), rec[voting.KeyLeaderElectionID])
    applies := e.backend.Applies()

    require.NoError(t, a.hb.IssueHeartbeat(ctx))
    require.Equal(t, applies, e.backend.Applies(), "nothing changed, nothing written")
    e.sched.Advance(interval)
    require.NoError(t, a.hb.IssueHeartbeat(ctx))
    require.Equal(t, applies+1, e.backend.Applies(), "only the timestamp is rewritten")

    sess, err := e.st.Session(ctx)
    require.NoError(t, err)
    defer sess.Close()
    require.Len(t, sess.Children(layout(e).Instances()), 1)
    rec, err = sess.Read(layout(e).Instance("a"))
    require.NoError(t, err)
    require.Equal(t, runtimeID, rec[heartbeat.KeyRuntimeID])
    ts, ok := rec.Time(heartbeat.KeyLastHeartbeat)
    require.True(t, ok)
    require.Equal(t, e.sched.Now().UnixMilli(), ts.UnixMilli())
    props, err := sess.Read(store.Join(layout(e).Instance("a"), "properties"))
    require.NoError(t, err)
    require.Equal(t, "author", props["role"])
}

func TestForeignRuntimeIDStopsInstance(t *testing.T) {
    ctx := context.Background()
    e := newEnv()
    a := e.instance(t, "a", nil)
    require.NoError(t, a.hb.Start(ctx))
    require.NoError(t, a.hb.IssueHeartbeat(ctx))

    err := store.Retry(ctx, e.st, 0, func(s *store.Session) error {
        return s.Write(layout(e).Instance("a"), store.Properties{heartbeat.KeyRuntimeID: "someone-else"})
    })
    require.NoError(t, err)

    err = a.hb.IssueHeartbeat(ctx)
    require.ErrorIs(t, err, heartbeat.ErrDuplicateInstance)
    select {
    case reason := <-a.duplicate:
        require.Contains(t, reason, "foreign runtime id")
    case <-time.After(2 * time.Second):
        t.Fatal("OnDuplicate not called")
    }
    require.Positive(t, a.changing.Load())
    require.ErrorIs(t, a.hb.TriggerHeartbeat(), heartbeat.ErrNotStarted)
}

func TestConcurrentHeartbeatWriterMarksChanging(t *testing.T) {
    ctx := context.Background()
    e := newEnv()
    a := e.instance(t, "a", nil)
    require.NoError(t, a.hb.Start(ctx))
    e.sched.Advance(3 * interval)
    before := a.changing.Load()

    err := store.Retry(ctx, e.st, 0, func(s *store.Session) error {
        return s.Write(layout(e).Instance("a"), store.Properties{heartbeat.KeyLastHeartbeat: "1"})
    })
    require.NoError(t, err)
    require.NoError(t, a.hb.IssueHeartbeat(ctx))
    require.Greater(t, a.changing.Load(), before)
    select {
    case <-a.duplicate:
        t.Fatal("a concurrent lastHeartbeat write alone must not stop the instance")
    default:
    }
}

func TestCheckViewConverges(t *testing.T) {
    ctx := context.Background()
    e := newEnv()
    a := e.instance(t, "a", nil)
    b := e.instance(t, "b", nil)
    require.NoError(t, a.hb.Start(ctx))
    require.NoError(t, b.hb.Start(ctx))

    require.NoError(t, a.hb.CheckView(ctx))
    require.Positive(t, a.changing.Load())
    require.NoError(t, b.hb.CheckView(ctx))
    require.NoError(t, a.hb.CheckView(ctx))

    sess, err := e.st.Session(ctx)
    require.NoError(t, err)
    est := voting.LoadEstablished(sess, layout(e))
    sess.Close()
    require.NotNil(t, est)
    require.Equal(t, []string{"a", "b"}, est.MemberIDs())
    require.Equal(t, "a", est.LeaderID)

    before := a.changing.Load()
    require.NoError(t, a.hb.CheckView(ctx))
    require.Equal(t, before, a.changing.Load(), "matching view is a no-op")

    // b goes silent; a alone moves on after the timeout
    b.hb.Stop()
    for i := 0; i < 11; i++ {
        e.sched.Advance(interval)
    }
    live, err := a.hb.LiveInstances(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"a"}, live)
    e.sched.Advance(interval)

    sess, err = e.st.Session(ctx)
    require.NoError(t, err)
    defer sess.Close()
    est = voting.LoadEstablished(sess, layout(e))
    require.Equal(t, []string{"a"}, est.MemberIDs())
}

type idTable map[int]string

func (m idTable) ToInstanceID(_ context.Context, cid int) (string, bool, error) {
    id, ok := m[cid]
    return id, ok, nil
}

func TestDescriptorAwareLiveness(t *testing.T) {
    ctx := context.Background()
    e := newEnv()
    src := descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: false, Me: 1, Active: []int{1}, Deactivating: []int{2}})
    reader := descriptor.NewReader(src, nil)
    ids := idTable{1: "a", 2: "b"}
    withDescriptor := func(o *heartbeat.Options) { o.Descriptor = reader; o.IDs = ids }
    a := e.instance(t, "a", withDescriptor)
    b := e.instance(t, "b", withDescriptor)
    require.NoError(t, a.hb.Start(ctx))
    require.NoError(t, b.hb.Start(ctx))

    live, err := a.hb.LiveInstances(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"a"}, live)

    require.NoError(t, a.hb.CheckView(ctx))
    ongoing, err := e.ongoing(ctx)
    require.NoError(t, err)
    require.Empty(t, ongoing, "non-final descriptor defers the ballot")

    require.NoError(t, src.Set(&descriptor.Raw{Seq: 2, Final: true, Me: 1, Active: []int{1, 2}}))
    require.NoError(t, a.hb.CheckView(ctx))
    ongoing, err = e.ongoing(ctx)
    require.NoError(t, err)
    require.Len(t, ongoing, 1)
    require.Equal(t, []string{"a", "b"}, ongoing[0].MemberIDs())
}

func TestValidate(t *testing.T) {
    e := newEnv()
    v, err := voting.New(voting.Options{Store: e.st, InstanceID: "a"})
    require.NoError(t, err)
    _, err = heartbeat.New(heartbeat.Options{Store: e.st, InstanceID: "a", Voting: v})
    require.Error(t, err)
    _, err = heartbeat.New(heartbeat.Options{Store: e.st, InstanceID: "a", Voting: v, Scheduler: e.sched, LeaderElectionPrefix: "2"})
    require.Error(t, err)
}
