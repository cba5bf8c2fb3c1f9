package store

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    "go.uber.org/multierr"
)

// Entry is one stored node and the revision of its last change.
type Entry struct {
    Props    Properties `json:"props"`
    Revision uint64     `json:"rev"`
}

// OpKind selects what an Op does to its path.
type OpKind string

const (
    // OpSet replaces the properties of a node, creating it if needed.
    OpSet OpKind = "set"
    // OpDelete removes exactly one node (not its descendants).
    OpDelete OpKind = "delete"
)

// Op is a single node change inside a Tx.
type Op struct {
    Kind  OpKind     `json:"kind"`
    Path  string     `json:"path"`
    Props Properties `json:"props,omitempty"`
}

// Tx is an atomic batch. Expect maps each touched path to the revision the
// writer observed; zero means the writer saw the path absent.
type Tx struct {
    Expect map[string]uint64 `json:"expect"`
    Ops    []Op              `json:"ops"`
}

// Validate checks the shape of the transaction.
func (tx Tx) Validate() error {
    var err error
    for i, op := range tx.Ops {
        if op.Path == "" || op.Path[0] != '/' {
            err = multierr.Append(err, fmt.Errorf("store: op %d: invalid path %q", i, op.Path))
        }
        if op.Kind != OpSet && op.Kind != OpDelete {
            err = multierr.Append(err, fmt.Errorf("store: op %d: unknown kind %q", i, op.Kind))
        }
    }
    return err
}

// Tree is an in-memory revisioned node map. Backends embed it as their state
// machine.
type Tree struct {
    mu      sync.RWMutex
    entries map[string]Entry
    rev     uint64
}

func NewTree() *Tree { return &Tree{entries: make(map[string]Entry)} }

// Load copies every entry at or below prefix.
func (t *Tree) Load(prefix string) map[string]Entry {
    prefix = Clean(prefix)
    t.mu.RLock(); defer t.mu.RUnlock()
    out := make(map[string]Entry)
    for p, e := range t.entries {
        if isUnder(p, prefix) {
            out[p] = Entry{Props: e.Props.Clone(), Revision: e.Revision}
        }
    }
    return out
}

// Revision returns the tree-wide revision counter.
func (t *Tree) Revision() uint64 {
    t.mu.RLock(); defer t.mu.RUnlock()
    return t.rev
}

// Apply validates expectations and applies all ops or none.
func (t *Tree) Apply(tx Tx) error {
    if err := tx.Validate(); err != nil { return err }
    t.mu.Lock(); defer t.mu.Unlock()
    for p, want := range tx.Expect {
        var have uint64
        if e, ok := t.entries[p]; ok { have = e.Revision }
        if have != want {
            return fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, p, have, want)
        }
    }
    if len(tx.Ops) == 0 { return nil }
    t.rev++
    for _, op := range tx.Ops {
        switch op.Kind {
        case OpSet:
            t.entries[op.Path] = Entry{Props: op.Props.Clone(), Revision: t.rev}
        case OpDelete:
            delete(t.entries, op.Path)
        }
    }
    return nil
}

// Snapshot encodes the tree as stable JSON.
func (t *Tree) Snapshot() ([]byte, error) {
    t.mu.RLock(); defer t.mu.RUnlock()
    paths := make([]string, 0, len(t.entries))
    for p := range t.entries { paths = append(paths, p) }
    sort.Strings(paths)
    nodes := make([]snapshotNode, 0, len(paths))
    for _, p := range paths {
        e := t.entries[p]
        nodes = append(nodes, snapshotNode{Path: p, Entry: e})
    }
    return json.Marshal(snapshotV1{Version: 1, Revision: t.rev, Nodes: nodes})
}

// Restore replaces the tree contents with a snapshot.
func (t *Tree) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 {
        return fmt.Errorf("store: unsupported snapshot version %d", snap.Version)
    }
    t.mu.Lock(); defer t.mu.Unlock()
    t.entries = make(map[string]Entry, len(snap.Nodes))
    for _, n := range snap.Nodes {
        if n.Path == "" { continue }
        t.entries[n.Path] = n.Entry
    }
    t.rev = snap.Revision
    return nil
}

type snapshotNode struct {
    Path string `json:"path"`
    Entry
}

type snapshotV1 struct {
    Version  int            `json:"version"`
    Revision uint64         `json:"revision"`
    Nodes    []snapshotNode `json:"nodes"`
}
