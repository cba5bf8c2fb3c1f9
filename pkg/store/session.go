package store

import (
    "context"
    "fmt"
    "sort"
    "strings"
    "sync"
)

// Node is a read handle on one path of a session snapshot.
type Node struct {
    Path  string
    Name  string
    Props Properties
}

// Session is a private working copy of the store subtree. It is safe for use
// by one goroutine at a time; the mutex only guards against accidental sharing.
type Session struct {
    mu      sync.Mutex
    backend Backend
    root    string
    base    map[string]Entry
    view    map[string]Properties
    dirty   map[string]struct{}
    closed  bool
}

// Refresh reloads the snapshot from the backend. Pending changes are dropped.
func (s *Session) Refresh(ctx context.Context) error {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    entries, err := s.backend.Load(ctx, s.root)
    if err != nil {
        return fmt.Errorf("store: refresh: %w", err)
    }
    s.base = entries
    s.resetLocked()
    return nil
}

// Revert discards pending changes and returns to the last loaded snapshot.
func (s *Session) Revert() {
    s.mu.Lock(); defer s.mu.Unlock()
    s.resetLocked()
}

func (s *Session) resetLocked() {
    s.view = make(map[string]Properties, len(s.base))
    for p, e := range s.base { s.view[p] = e.Props.Clone() }
    s.dirty = make(map[string]struct{})
}

// HasChanges reports whether Commit would send anything.
func (s *Session) HasChanges() bool {
    s.mu.Lock(); defer s.mu.Unlock()
    return len(s.dirty) > 0
}

// Get returns the node at p or ErrNotFound.
func (s *Session) Get(p string) (*Node, error) {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    props, ok := s.view[p]
    if !ok {
        if !s.hasDescendantLocked(p) { return nil, ErrNotFound }
        props = Properties{}
    }
    return &Node{Path: p, Name: Name(p), Props: props.Clone()}, nil
}

// Exists reports whether p or any node below it is present.
func (s *Session) Exists(p string) bool {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    if _, ok := s.view[p]; ok { return true }
    return s.hasDescendantLocked(p)
}

// GetOrCreate returns the node at p, creating an empty one when absent.
func (s *Session) GetOrCreate(p string) (*Node, error) {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return nil, ErrClosed }
    props, ok := s.view[p]
    if !ok {
        props = Properties{}
        s.view[p] = props
        s.dirty[p] = struct{}{}
    }
    return &Node{Path: p, Name: Name(p), Props: props.Clone()}, nil
}

// Read returns a copy of the properties at p.
func (s *Session) Read(p string) (Properties, error) {
    n, err := s.Get(p)
    if err != nil { return nil, err }
    return n.Props, nil
}

// Write merges props into the node at p, creating it when absent.
func (s *Session) Write(p string, props Properties) error {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    cur, ok := s.view[p]
    if !ok { cur = Properties{} }
    changed := !ok
    for k, v := range props {
        if old, had := cur[k]; !had || old != v {
            cur[k] = v
            changed = true
        }
    }
    s.view[p] = cur
    if changed { s.dirty[p] = struct{}{} }
    return nil
}

// Remove deletes individual keys from the node at p.
func (s *Session) Remove(p string, keys ...string) error {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    cur, ok := s.view[p]
    if !ok { return ErrNotFound }
    for _, k := range keys {
        if _, had := cur[k]; had {
            delete(cur, k)
            s.dirty[p] = struct{}{}
        }
    }
    return nil
}

// Delete removes p and everything below it.
func (s *Session) Delete(p string) error {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    found := false
    for q := range s.view {
        if isUnder(q, p) {
            delete(s.view, q)
            s.dirty[q] = struct{}{}
            found = true
        }
    }
    if !found { return ErrNotFound }
    return nil
}

// Move relocates src and its descendants to dst, replacing anything at dst.
func (s *Session) Move(src, dst string) error {
    src, dst = Clean(src), Clean(dst)
    if isUnder(dst, src) {
        return fmt.Errorf("store: cannot move %s below itself", src)
    }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    moved := make(map[string]Properties)
    for q, props := range s.view {
        if isUnder(q, src) {
            moved[dst+strings.TrimPrefix(q, src)] = props
            delete(s.view, q)
            s.dirty[q] = struct{}{}
        }
    }
    if len(moved) == 0 { return ErrNotFound }
    for q := range s.view {
        if isUnder(q, dst) {
            delete(s.view, q)
            s.dirty[q] = struct{}{}
        }
    }
    for q, props := range moved {
        s.view[q] = props
        s.dirty[q] = struct{}{}
    }
    return nil
}

// Children lists the immediate children of p in name order.
func (s *Session) Children(p string) []*Node {
    p = Clean(p)
    s.mu.Lock(); defer s.mu.Unlock()
    prefix := p + "/"
    if p == "/" { prefix = "/" }
    names := make(map[string]struct{})
    for q := range s.view {
        if !strings.HasPrefix(q, prefix) || q == p { continue }
        rest := strings.TrimPrefix(q, prefix)
        if i := strings.IndexByte(rest, '/'); i >= 0 { rest = rest[:i] }
        names[rest] = struct{}{}
    }
    sorted := make([]string, 0, len(names))
    for n := range names { sorted = append(sorted, n) }
    sort.Strings(sorted)
    out := make([]*Node, 0, len(sorted))
    for _, n := range sorted {
        cp := prefix + n
        props := s.view[cp]
        if props == nil { props = Properties{} }
        out = append(out, &Node{Path: cp, Name: n, Props: props.Clone()})
    }
    return out
}

// Commit publishes pending changes. On success the snapshot is reloaded; on
// ErrConflict the pending changes are kept so the caller can inspect them
// before Revert.
func (s *Session) Commit(ctx context.Context) error {
    s.mu.Lock()
    if s.closed { s.mu.Unlock(); return ErrClosed }
    tx := Tx{Expect: make(map[string]uint64, len(s.dirty))}
    paths := make([]string, 0, len(s.dirty))
    for p := range s.dirty { paths = append(paths, p) }
    sort.Strings(paths)
    for _, p := range paths {
        base, inBase := s.base[p]
        props, inView := s.view[p]
        switch {
        case inView:
            tx.Ops = append(tx.Ops, Op{Kind: OpSet, Path: p, Props: props.Clone()})
        case inBase:
            tx.Ops = append(tx.Ops, Op{Kind: OpDelete, Path: p})
        default:
            continue
        }
        tx.Expect[p] = base.Revision
    }
    s.mu.Unlock()
    if len(tx.Ops) == 0 {
        s.Revert()
        return nil
    }
    if err := s.backend.Apply(ctx, tx); err != nil {
        return err
    }
    return s.Refresh(ctx)
}

// Close releases the session. Pending changes are dropped.
func (s *Session) Close() {
    s.mu.Lock(); defer s.mu.Unlock()
    s.closed = true
    s.view, s.base, s.dirty = nil, nil, nil
}

func (s *Session) hasDescendantLocked(p string) bool {
    prefix := p + "/"
    for q := range s.view {
        if strings.HasPrefix(q, prefix) { return true }
    }
    return false
}
