package idmap

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
)

const root = "/var/discovery"

func newService(t *testing.T, s *store.Store, id string, src descriptor.Source, sch scheduler.Scheduler) *Service {
    t.Helper()
    svc, err := New(Options{Store: s, InstanceID: id, Descriptor: descriptor.NewReader(src, nil), Scheduler: sch})
    require.NoError(t, err)
    return svc
}

func TestInitWaitsForFinalDescriptor(t *testing.T) {
    ctx := context.Background()
    s := store.New(memstore.New(), root)
    src := descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: false, Me: 1, Active: []int{1}})
    m := scheduler.NewManual(time.Unix(0, 0))
    svc := newService(t, s, "a", src, m)

    require.NoError(t, svc.Start(ctx))
    assert.True(t, m.Scheduled("idmap-init.a"))
    assert.False(t, svc.IsInitialized())
    m.Advance(2 * time.Second)
    assert.False(t, svc.IsInitialized())

    require.NoError(t, src.Set(&descriptor.Raw{Seq: 2, Final: true, Me: 1, Active: []int{1}}))
    m.Advance(2 * time.Second)
    require.True(t, svc.IsInitialized())

    id, ok, err := svc.ToInstanceID(ctx, 1)
    require.NoError(t, err)
    assert.True(t, ok)
    assert.Equal(t, "a", id)

    svc.Stop()
    assert.False(t, m.Scheduled(svc.job))
}

func TestRepairUnderChurn(t *testing.T) {
    ctx := context.Background()
    s := store.New(memstore.New(), root)
    srcA := descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: true, Me: 1, Active: []int{1, 2}})
    srcB := descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: true, Me: 2, Active: []int{1, 2}})
    a := newService(t, s, "a", srcA, nil)
    b := newService(t, s, "b", srcB, nil)
    _, err := a.Init(ctx)
    require.NoError(t, err)
    _, err = b.Init(ctx)
    require.NoError(t, err)

    // b leaves, c comes up and gets b's old number
    srcC := descriptor.NewStatic(&descriptor.Raw{Seq: 2, Final: true, Me: 2, Active: []int{1, 2}})
    c := newService(t, s, "c", srcC, nil)
    _, err = c.Init(ctx)
    require.NoError(t, err)

    // a's numeric id changes after a storage restart
    require.NoError(t, srcA.Set(&descriptor.Raw{Seq: 3, Final: true, Me: 3, Active: []int{2, 3}, Inactive: []int{1}}))
    _, err = a.Init(ctx)
    require.NoError(t, err)

    m, err := a.Map(ctx)
    require.NoError(t, err)
    assert.Equal(t, map[int]string{2: "c", 3: "a"}, m)

    sess, err := s.Session(ctx)
    require.NoError(t, err)
    props, err := sess.Read(root + "/idMap")
    require.NoError(t, err)
    assert.Equal(t, store.Properties{"a": "3", "c": "2"}, props)

    cid, ok, err := c.ToClusterNodeID(ctx, "a")
    require.NoError(t, err)
    assert.True(t, ok)
    assert.Equal(t, 3, cid)
}

func TestCacheAndClearCache(t *testing.T) {
    ctx := context.Background()
    s := store.New(memstore.New(), root)
    a := newService(t, s, "a", descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: true, Me: 1, Active: []int{1, 2}}), nil)
    _, err := a.Init(ctx)
    require.NoError(t, err)

    _, ok, err := a.ToInstanceID(ctx, 2)
    require.NoError(t, err)
    assert.False(t, ok)

    b := newService(t, s, "b", descriptor.NewStatic(&descriptor.Raw{Seq: 1, Final: true, Me: 2, Active: []int{1, 2}}), nil)
    _, err = b.Init(ctx)
    require.NoError(t, err)

    id, ok, err := a.ToInstanceID(ctx, 2)
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "b", id)

    // cached entries survive store changes until ClearCache
    require.NoError(t, store.Retry(ctx, s, 1, func(sess *store.Session) error {
        return sess.Remove(root+"/idMap", "b")
    }))
    id, ok, _ = a.ToInstanceID(ctx, 2)
    assert.True(t, ok)
    assert.Equal(t, "b", id)
    a.ClearCache()
    _, ok, _ = a.ToInstanceID(ctx, 2)
    assert.False(t, ok)
}
