// Package descriptor reads the raw cluster descriptor published by the storage
// cluster layer: which numeric cluster node ids are active, deactivating or
// inactive, which one is the local node, and whether the descriptor is final.
//
// Wire form:
//
//    {"seq":12,"final":true,"id":"f3a1...","me":2,"active":[1,2],"deactivating":[],"inactive":[3]}
package descriptor

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"

    "golang.org/x/exp/slices"
)

// Raw is one decoded descriptor. It is immutable once returned by Parse.
type Raw struct {
    Seq          int64   `json:"seq"`
    Final        bool    `json:"final"`
    ViewID       *string `json:"id"`
    Me           int     `json:"me"`
    Active       []int   `json:"active"`
    Deactivating []int   `json:"deactivating"`
    Inactive     []int   `json:"inactive"`
}

// Source yields the latest descriptor bytes from the storage layer.
type Source interface {
    Descriptor(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Descriptor(ctx context.Context) ([]byte, error) { return f(ctx) }

// Parse decodes and validates a descriptor.
func Parse(b []byte) (*Raw, error) {
    if len(b) == 0 { return nil, ErrUnavailable }
    var r Raw
    if err := json.Unmarshal(b, &r); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    if err := r.validate(); err != nil { return nil, err }
    sort.Ints(r.Active)
    sort.Ints(r.Deactivating)
    sort.Ints(r.Inactive)
    return &r, nil
}

func (r *Raw) validate() error {
    if r.Seq < 0 { return fmt.Errorf("%w: negative seq %d", ErrMalformed, r.Seq) }
    seen := make(map[int]string)
    for name, ids := range map[string][]int{"active": r.Active, "deactivating": r.Deactivating, "inactive": r.Inactive} {
        for _, id := range ids {
            if prev, dup := seen[id]; dup {
                return fmt.Errorf("%w: id %d listed as %s and %s", ErrMalformed, id, prev, name)
            }
            seen[id] = name
        }
    }
    if _, ok := seen[r.Me]; !ok {
        return fmt.Errorf("%w: local id %d not listed", ErrMalformed, r.Me)
    }
    return nil
}

// Marshal encodes r in wire form.
func (r *Raw) Marshal() ([]byte, error) {
    cp := *r
    if cp.Active == nil { cp.Active = []int{} }
    if cp.Deactivating == nil { cp.Deactivating = []int{} }
    if cp.Inactive == nil { cp.Inactive = []int{} }
    return json.Marshal(cp)
}

func (r *Raw) IsActive(id int) bool       { return slices.Contains(r.Active, id) }
func (r *Raw) IsDeactivating(id int) bool { return slices.Contains(r.Deactivating, id) }
func (r *Raw) IsInactive(id int) bool     { return slices.Contains(r.Inactive, id) }

// Leaving reports whether id is known and not active. Unknown ids are not
// leaving.
func (r *Raw) Leaving(id int) bool { return r.IsDeactivating(id) || r.IsInactive(id) }

// View returns the view id or "".
func (r *Raw) View() string {
    if r.ViewID == nil { return "" }
    return *r.ViewID
}

func (r *Raw) String() string {
    return fmt.Sprintf("descriptor[seq=%d final=%t id=%s me=%d active=%v deactivating=%v inactive=%v]",
        r.Seq, r.Final, r.View(), r.Me, r.Active, r.Deactivating, r.Inactive)
}
