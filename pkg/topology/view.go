// Package topology holds the application-facing model of discovery (views,
// instances, events) and the Manager that turns a stream of views into a
// well-ordered stream of listener events.
package topology

import (
    "fmt"
    "sort"
    "strings"

    "golang.org/x/exp/slices"
)

// InstanceDescription describes one instance of a view.
type InstanceDescription struct {
    InstanceID string            `json:"instanceId"`
    Leader     bool              `json:"leader"`
    Local      bool              `json:"local"`
    Properties map[string]string `json:"properties,omitempty"`
}

// View is an immutable snapshot of the cluster. Instances are sorted by id.
type View struct {
    ClusterID   string                `json:"clusterId"`
    SyncTokenID string                `json:"syncTokenId,omitempty"`
    Current     bool                  `json:"current"`
    Instances   []InstanceDescription `json:"instances"`
}

// NewView copies instances into a sorted, immutable view.
func NewView(clusterID, syncTokenID string, current bool, instances []InstanceDescription) *View {
    cp := make([]InstanceDescription, len(instances))
    for i, in := range instances {
        cp[i] = in
        cp[i].Properties = cloneProps(in.Properties)
    }
    sort.Slice(cp, func(a, b int) bool { return cp[a].InstanceID < cp[b].InstanceID })
    return &View{ClusterID: clusterID, SyncTokenID: syncTokenID, Current: current, Instances: cp}
}

// NotCurrent returns a copy flagged as no longer current.
func (v *View) NotCurrent() *View {
    if v == nil || !v.Current { return v }
    cp := *v
    cp.Current = false
    return &cp
}

// LocalInstance returns the local instance, or nil.
func (v *View) LocalInstance() *InstanceDescription {
    for i := range v.Instances {
        if v.Instances[i].Local { return &v.Instances[i] }
    }
    return nil
}

// Leader returns the leader, or nil.
func (v *View) Leader() *InstanceDescription {
    for i := range v.Instances {
        if v.Instances[i].Leader { return &v.Instances[i] }
    }
    return nil
}

// Instance looks up an instance by id.
func (v *View) Instance(id string) *InstanceDescription {
    i, ok := slices.BinarySearchFunc(v.Instances, id, func(in InstanceDescription, id string) int {
        return strings.Compare(in.InstanceID, id)
    })
    if !ok { return nil }
    return &v.Instances[i]
}

// IDs returns the sorted instance ids.
func (v *View) IDs() []string {
    out := make([]string, len(v.Instances))
    for i, in := range v.Instances { out[i] = in.InstanceID }
    return out
}

// Equal compares views by sync token id, cluster id, members, leader and
// properties. The current flag is not part of the comparison.
func (v *View) Equal(o *View) bool {
    if v == nil || o == nil { return v == o }
    if v.ClusterID != o.ClusterID || v.SyncTokenID != o.SyncTokenID { return false }
    if len(v.Instances) != len(o.Instances) { return false }
    for i := range v.Instances {
        a, b := v.Instances[i], o.Instances[i]
        if a.InstanceID != b.InstanceID || a.Leader != b.Leader || a.Local != b.Local { return false }
        if !propsEqual(a.Properties, b.Properties) { return false }
    }
    return true
}

// OnlyDiffersInProperties reports whether o has the same sync token, members,
// leader and cluster id as v, with at least one property changed.
func (v *View) OnlyDiffersInProperties(o *View) bool {
    if v == nil || o == nil { return false }
    if v.SyncTokenID != o.SyncTokenID || v.ClusterID != o.ClusterID { return false }
    if len(v.Instances) != len(o.Instances) { return false }
    if v.Equal(o) { return false }
    for _, old := range v.Instances {
        nw := o.Instance(old.InstanceID)
        if nw == nil || nw.Leader != old.Leader { return false }
    }
    return true
}

func (v *View) String() string {
    if v == nil { return "view[nil]" }
    leader := ""
    if l := v.Leader(); l != nil { leader = l.InstanceID }
    return fmt.Sprintf("view[cluster=%s token=%s current=%t leader=%s members=%v]",
        v.ClusterID, v.SyncTokenID, v.Current, leader, v.IDs())
}

func cloneProps(p map[string]string) map[string]string {
    if p == nil { return nil }
    out := make(map[string]string, len(p))
    for k, v := range p { out[k] = v }
    return out
}

func propsEqual(a, b map[string]string) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        if bv, ok := b[k]; !ok || bv != v { return false }
    }
    return true
}
