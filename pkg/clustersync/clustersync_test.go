package clustersync

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/scheduler"
    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/store/memstore"
    "github.com/amirimatin/go-discovery/pkg/topology"
)

const root = "/var/discovery"

func viewOf(token string, ids ...string) *topology.View {
    var in []topology.InstanceDescription
    for i, id := range ids {
        in = append(in, topology.InstanceDescription{InstanceID: id, Leader: i == 0, Local: i == 0})
    }
    return topology.NewView("c1", token, true, in)
}

func newTokenService(t *testing.T, s *store.Store, sch *scheduler.Manual, id string, timeout time.Duration, results *[]Result) *TokenService {
    t.Helper()
    ts, err := NewTokenService(TokenOptions{
        Store: s, InstanceID: id, Timeout: timeout, Interval: time.Second,
        Scheduler: sch, Clock: sch.Now,
        OnResult: func(_ *topology.View, r Result) {
            if results != nil { *results = append(*results, r) }
        },
    })
    require.NoError(t, err)
    return ts
}

func TestTokenBarrierWaitsForAllMembers(t *testing.T) {
    s := store.New(memstore.New(), root)
    sch := scheduler.NewManual(time.Unix(0, 0))
    var results []Result
    a := newTokenService(t, s, sch, "a", time.Minute, &results)
    b := newTokenService(t, s, sch, "b", time.Minute, nil)

    doneA := false
    a.Sync(viewOf("v1", "a", "b"), func() { doneA = true })
    assert.True(t, sch.Scheduled("clustersync-synctoken.a"))
    sch.Advance(10 * time.Second)
    assert.False(t, doneA, "completed before b wrote its token")

    // b sees a's token on its first check, a on its next poll
    doneB := false
    b.Sync(viewOf("v1", "b", "a"), func() { doneB = true })
    assert.True(t, doneB)
    assert.False(t, sch.Scheduled("clustersync-synctoken.b"))
    sch.Advance(time.Second)
    assert.True(t, doneA)
    assert.False(t, sch.Scheduled("clustersync-synctoken.a"))
    assert.Equal(t, []Result{ResultOK}, results)

    sess, err := s.Session(context.Background())
    require.NoError(t, err)
    props, err := sess.Read(root + "/syncTokens/a")
    require.NoError(t, err)
    assert.Equal(t, "v1", props["token"])
}

func TestTokenBarrierTimesOutButCompletes(t *testing.T) {
    s := store.New(memstore.New(), root)
    sch := scheduler.NewManual(time.Unix(0, 0))
    var results []Result
    a := newTokenService(t, s, sch, "a", 5*time.Second, &results)
    done := false
    a.Sync(viewOf("v1", "a", "ghost"), func() { done = true })
    sch.Advance(4 * time.Second)
    assert.False(t, done)
    sch.Advance(time.Second)
    assert.True(t, done)
    assert.Equal(t, []Result{ResultTimeout}, results)
    assert.False(t, sch.Scheduled("clustersync-synctoken.a"))
}

func TestCancelSyncSuppressesCallback(t *testing.T) {
    s := store.New(memstore.New(), root)
    sch := scheduler.NewManual(time.Unix(0, 0))
    a := newTokenService(t, s, sch, "a", 5*time.Second, nil)
    calls := 0
    a.Sync(viewOf("v1", "a", "ghost"), func() { calls += 1 })
    sch.Advance(time.Second)
    a.CancelSync()
    assert.False(t, sch.Scheduled("clustersync-synctoken.a"))

    // a newer sync supersedes an older one as well
    a.Sync(viewOf("v2", "a", "ghost"), func() { calls += 10 })
    a.Sync(viewOf("v3", "a"), func() { calls += 100 })
    sch.Advance(time.Minute)
    assert.Equal(t, 100, calls)
}

func TestTwoInstancesShareOneScheduler(t *testing.T) {
    s := store.New(memstore.New(), root)
    sch := scheduler.NewManual(time.Unix(0, 0))
    a := newTokenService(t, s, sch, "a", time.Minute, nil)
    b := newTokenService(t, s, sch, "b", time.Minute, nil)
    doneA, doneB := false, false
    a.Sync(viewOf("v1", "a", "b", "c"), func() { doneA = true })
    b.Sync(viewOf("v1", "b", "a", "c"), func() { doneB = true })
    require.True(t, sch.Scheduled("clustersync-synctoken.a"))
    require.True(t, sch.Scheduled("clustersync-synctoken.b"))

    require.NoError(t, store.Retry(context.Background(), s, 1, func(sess *store.Session) error {
        return sess.Write(root+"/syncTokens/c", store.Properties{"token": "v1"})
    }))
    sch.Advance(time.Second)
    assert.True(t, doneA)
    assert.True(t, doneB)
}

type mapIDs map[string]int

func (m mapIDs) ToClusterNodeID(_ context.Context, id string) (int, bool, error) {
    cid, ok := m[id]
    return cid, ok, nil
}

func TestBacklogThenTokenChain(t *testing.T) {
    s := store.New(memstore.New(), root)
    sch := scheduler.NewManual(time.Unix(0, 0))
    src := descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: false, Me: 1, Active: []int{1}, Deactivating: []int{2}})
    backlog, err := NewBacklogService(BacklogOptions{
        Descriptor: descriptor.NewReader(src, nil),
        IDs:        mapIDs{"a": 1, "b": 2},
        InstanceID: "a",
        Interval:   time.Second,
        Timeout:    time.Minute,
        Scheduler:  sch,
        Clock:      sch.Now,
    })
    require.NoError(t, err)
    token := newTokenService(t, s, sch, "a", time.Minute, nil)
    chain := NewChain(backlog, token)

    done := false
    chain.Sync(viewOf("v1", "a"), func() { done = true })
    sch.Advance(5 * time.Second)
    assert.False(t, done)
    assert.True(t, sch.Scheduled("clustersync-backlog.a"))

    sess, _ := s.Session(context.Background())
    _, err = sess.Get(root + "/syncTokens/a")
    assert.ErrorIs(t, err, store.ErrNotFound, "token stage must not start before the backlog cleared")

    require.NoError(t, src.Set(&descriptor.Raw{Seq: 2, Final: true, Me: 1, Active: []int{1}, Inactive: []int{2}}))
    sch.Advance(time.Second)
    assert.True(t, done)
    assert.False(t, sch.Scheduled("clustersync-backlog.a"))
}

func TestNilSchedulerRejected(t *testing.T) {
    _, err := NewTokenService(TokenOptions{Store: store.New(memstore.New(), root), InstanceID: "a"})
    assert.Error(t, err)
}
