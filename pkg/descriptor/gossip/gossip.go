// Package gossip derives the raw cluster descriptor from gossip membership.
// Every node advertises its numeric cluster node id under the "cid" meta key.
// Alive peers are active, suspect peers are deactivating and peers that were
// seen once but have since disappeared are inactive. The descriptor is final
// only while no peer is suspect.
package gossip

import (
    "context"
    "fmt"
    "sort"
    "strconv"
    "strings"
    "sync"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/membership"
)

type Source struct {
    mem     membership.Membership
    mu      sync.Mutex
    seq     int64
    lastKey string
    seen    map[int]struct{}
}

func New(mem membership.Membership) *Source {
    return &Source{mem: mem, seen: make(map[int]struct{})}
}

func (s *Source) Descriptor(ctx context.Context) ([]byte, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    me, ok := s.mem.Local().ClusterNodeID()
    if !ok { return nil, fmt.Errorf("%w: local node has no cluster node id", descriptor.ErrUnavailable) }

    s.mu.Lock()
    defer s.mu.Unlock()
    d := &descriptor.Raw{Me: me, Active: []int{}, Deactivating: []int{}, Inactive: []int{}}
    present := map[int]struct{}{me: {}}
    localListed := false
    for _, mi := range s.mem.Members() {
        cid, ok := mi.ClusterNodeID()
        if !ok { continue }
        if _, dup := present[cid]; dup && cid != me { continue }
        present[cid] = struct{}{}
        s.seen[cid] = struct{}{}
        if cid == me {
            if localListed { continue }
            localListed = true
        }
        if mi.State == membership.StateSuspect && cid != me {
            d.Deactivating = append(d.Deactivating, cid)
        } else {
            d.Active = append(d.Active, cid)
        }
    }
    if !localListed { d.Active = append(d.Active, me) }
    s.seen[me] = struct{}{}
    for cid := range s.seen {
        if _, ok := present[cid]; !ok { d.Inactive = append(d.Inactive, cid) }
    }
    sort.Ints(d.Active)
    sort.Ints(d.Deactivating)
    sort.Ints(d.Inactive)
    d.Final = len(d.Deactivating) == 0

    key := fmt.Sprintf("%v|%v|%v|%t", d.Active, d.Deactivating, d.Inactive, d.Final)
    if key != s.lastKey {
        s.seq++
        s.lastKey = key
    }
    d.Seq = s.seq
    vid := viewID(d.Seq, d.Active)
    d.ViewID = &vid
    return d.Marshal()
}

func viewID(seq int64, active []int) string {
    parts := make([]string, 0, len(active))
    for _, a := range active { parts = append(parts, strconv.Itoa(a)) }
    return strconv.FormatInt(seq, 10) + "-" + strings.Join(parts, ".")
}
