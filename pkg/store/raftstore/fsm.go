package raftstore

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-discovery/pkg/store"
)

const opCommit = "commit"

// command is one raft log entry.
type command struct {
    Op string   `json:"op"`
    Tx store.Tx `json:"tx"`
}

// treeFSM applies committed transactions to a store.Tree. Apply returns the
// tree's error, so conflicts reach the caller through the apply future.
type treeFSM struct {
    tree *store.Tree
}

func (f *treeFSM) Apply(l *raft.Log) interface{} {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case opCommit:
        return f.tree.Apply(cmd.Tx)
    default:
        return fmt.Errorf("raftstore: unknown op %q", cmd.Op)
    }
}

func (f *treeFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.tree.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *treeFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.tree.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*treeFSM)(nil)
