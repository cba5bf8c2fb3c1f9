package cluster

import (
    "github.com/amirimatin/go-discovery/pkg/membership"
    "github.com/amirimatin/go-discovery/pkg/topology"
)

// Status is a high-level, JSON-serializable snapshot of one instance's view
// of the cluster, served on the management /status endpoint.
type Status struct {
    InstanceID string `json:"instanceId"`
    // Healthy is set when the store was readable and the view is current.
    Healthy bool `json:"healthy"`
    // Current mirrors the current flag of the topology view.
    Current bool `json:"current"`
    // Changing is set while listeners wait for a new view.
    Changing    bool   `json:"changing"`
    ClusterID   string `json:"clusterId,omitempty"`
    SyncTokenID string `json:"syncTokenId,omitempty"`
    LeaderID    string `json:"leaderId,omitempty"`
    // LeaderAddr is the management address of the view leader, if known.
    LeaderAddr string                         `json:"leaderAddr,omitempty"`
    Members    []topology.InstanceDescription `json:"members"`

    // StoreLeaderID and StoreLeaderAddr name the raft leader of a replicated
    // store and its management address.
    StoreLeaderID   string `json:"storeLeaderId,omitempty"`
    StoreLeaderAddr string `json:"storeLeaderAddr,omitempty"`

    // Gossip lists the membership view (gossip) when a membership is wired.
    Gossip []membership.MemberInfo `json:"gossip,omitempty"`
    // GossipHealth is the membership awareness score; 0 is healthy.
    GossipHealth int `json:"gossipHealth,omitempty"`
    // Warnings contains any non-fatal observations (e.g., degraded states).
    Warnings []string `json:"warnings,omitempty"`
}
