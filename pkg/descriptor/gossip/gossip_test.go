package gossip

import (
    "context"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/membership"
)

type fakeMembership struct {
    local   membership.MemberInfo
    members []membership.MemberInfo
}

func (f *fakeMembership) Start(context.Context) error     { return nil }
func (f *fakeMembership) Join([]string) error             { return nil }
func (f *fakeMembership) Local() membership.MemberInfo    { return f.local }
func (f *fakeMembership) Members() []membership.MemberInfo { return f.members }
func (f *fakeMembership) Events() <-chan membership.Event { return nil }
func (f *fakeMembership) Leave() error                    { return nil }
func (f *fakeMembership) Stop() error                     { return nil }

func member(id, cid string, st membership.State) membership.MemberInfo {
    return membership.MemberInfo{ID: id, State: st, Meta: map[string]string{membership.MetaClusterNodeID: cid}}
}

func TestDescriptorFollowsMembership(t *testing.T) {
    ctx := context.Background()
    a := member("a", "1", membership.StateAlive)
    fm := &fakeMembership{local: a, members: []membership.MemberInfo{a, member("b", "2", membership.StateAlive), member("c", "3", membership.StateAlive)}}
    r := descriptor.NewReader(New(fm), nil)

    d, err := r.Final(ctx)
    require.NoError(t, err)
    assert.Equal(t, []int{1, 2, 3}, d.Active)
    assert.Equal(t, 1, d.Me)
    seq := d.Seq

    // unchanged membership keeps the sequence
    d, err = r.Final(ctx)
    require.NoError(t, err)
    assert.Equal(t, seq, d.Seq)

    fm.members = []membership.MemberInfo{a, member("b", "2", membership.StateSuspect), member("c", "3", membership.StateAlive)}
    d, err = r.Final(ctx)
    require.ErrorIs(t, err, descriptor.ErrNotFinal)
    assert.Equal(t, []int{2}, d.Deactivating)
    assert.Greater(t, d.Seq, seq)

    fm.members = []membership.MemberInfo{a, member("c", "3", membership.StateAlive)}
    d, err = r.Final(ctx)
    require.NoError(t, err)
    assert.Equal(t, []int{1, 3}, d.Active)
    assert.Equal(t, []int{2}, d.Inactive)
}

func TestLocalWithoutClusterNodeID(t *testing.T) {
    fm := &fakeMembership{local: membership.MemberInfo{ID: "x"}}
    _, err := New(fm).Descriptor(context.Background())
    assert.ErrorIs(t, err, descriptor.ErrUnavailable)
}
