// Package membership abstracts the gossip layer that tells a node which peers
// are reachable. Discovery uses it in two places: as a descriptor source (each
// peer advertises its numeric cluster node id) and to find the management
// address of another instance.
package membership

import (
    "context"
    "strconv"
    "time"
)

// Well-known metadata keys every node advertises.
const (
    // MetaMgmt is the management RPC address.
    MetaMgmt = "mgmt"
    // MetaClusterNodeID is the numeric cluster node id of the node.
    MetaClusterNodeID = "cid"
    // MetaInstanceID is the durable instance id of the node.
    MetaInstanceID = "iid"
)

// State is the liveness of a member as judged by the gossip layer.
type State string

const (
    StateAlive   State = "alive"
    StateSuspect State = "suspect"
)

// MemberInfo describes one member as observed by the membership layer.
type MemberInfo struct {
    ID    string
    Addr  string
    State State
    Meta  map[string]string
}

// ClusterNodeID decodes MetaClusterNodeID.
func (m MemberInfo) ClusterNodeID() (int, bool) {
    v, ok := m.Meta[MetaClusterNodeID]
    if !ok { return 0, false }
    n, err := strconv.Atoi(v)
    if err != nil || n < 0 { return 0, false }
    return n, true
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

// Event is a translated membership change.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the gossip/failure-detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Find returns the member with id, if visible.
func Find(m Membership, id string) (MemberInfo, bool) {
    for _, mi := range m.Members() {
        if mi.ID == id { return mi, true }
    }
    return MemberInfo{}, false
}

// FindByMeta returns the first member whose meta key equals value.
func FindByMeta(m Membership, key, value string) (MemberInfo, bool) {
    for _, mi := range m.Members() {
        if mi.Meta[key] == value { return mi, true }
    }
    return MemberInfo{}, false
}
