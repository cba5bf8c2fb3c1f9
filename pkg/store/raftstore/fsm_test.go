package raftstore

import (
    "bytes"
    "encoding/json"
    "errors"
    "io"
    "testing"

    r "github.com/hashicorp/raft"

    "github.com/amirimatin/go-discovery/pkg/store"
)

func logOf(t *testing.T, tx store.Tx) *r.Log {
    t.Helper()
    data, err := json.Marshal(command{Op: opCommit, Tx: tx})
    if err != nil { t.Fatal(err) }
    return &r.Log{Data: data}
}

func TestTreeFSM_ApplyAndConflict(t *testing.T) {
    fsm := &treeFSM{tree: store.NewTree()}
    set := store.Tx{
        Expect: map[string]uint64{"/a": 0},
        Ops:    []store.Op{{Kind: store.OpSet, Path: "/a", Props: store.Properties{"k": "v"}}},
    }
    if v := fsm.Apply(logOf(t, set)); v != nil {
        t.Fatalf("apply: %v", v)
    }
    // same expectation again is stale now
    v := fsm.Apply(logOf(t, set))
    err, _ := v.(error)
    if !errors.Is(err, store.ErrConflict) {
        t.Fatalf("expected conflict, got %v", v)
    }
    if v := fsm.Apply(&r.Log{Data: []byte(`{"op":"bogus"}`)}); v == nil {
        t.Fatal("unknown op must fail")
    }
}

type sink struct {
    bytes.Buffer
    cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func TestTreeFSM_SnapshotRestore(t *testing.T) {
    src := &treeFSM{tree: store.NewTree()}
    src.Apply(logOf(t, store.Tx{Ops: []store.Op{{Kind: store.OpSet, Path: "/x/y", Props: store.Properties{"n": "1"}}}}))
    snap, err := src.Snapshot()
    if err != nil { t.Fatal(err) }
    var out sink
    if err := snap.Persist(&out); err != nil { t.Fatal(err) }

    dst := &treeFSM{tree: store.NewTree()}
    if err := dst.Restore(io.NopCloser(&out.Buffer)); err != nil { t.Fatal(err) }
    got := dst.tree.Load("/x")
    if got["/x/y"].Props["n"] != "1" || dst.tree.Revision() != src.tree.Revision() {
        t.Fatalf("restore mismatch: %+v rev=%d", got, dst.tree.Revision())
    }
}
