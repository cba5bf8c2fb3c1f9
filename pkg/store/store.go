// Package store defines the shared tree store every instance reads and writes
// cluster state through. A Store hands out Sessions; a Session works on a
// private snapshot of the tree and publishes its changes atomically with
// Commit. Commits are optimistic: if any node the session changed was
// modified by someone else since the snapshot was taken, Commit fails with
// ErrConflict and the caller is expected to Revert, Refresh and retry.
package store

import (
    "context"
    "path"
    "strings"
)

// Backend persists a Tree and applies transactions against it. Implementations
// must apply a Tx atomically and reject it with ErrConflict when any expected
// revision does not match.
type Backend interface {
    // Load returns a copy of every entry at or below prefix.
    Load(ctx context.Context, prefix string) (map[string]Entry, error)
    // Apply validates tx.Expect and applies tx.Ops in one step.
    Apply(ctx context.Context, tx Tx) error
}

// Store scopes sessions to one subtree of a Backend.
type Store struct {
    backend Backend
    root    string
}

// New returns a Store whose sessions see the subtree at root.
func New(b Backend, root string) *Store {
    return &Store{backend: b, root: Clean(root)}
}

// Root returns the cleaned root path.
func (s *Store) Root() string { return s.root }

// Backend exposes the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Session opens a session with a fresh snapshot of the subtree.
func (s *Store) Session(ctx context.Context) (*Session, error) {
    if s == nil || s.backend == nil {
        return nil, ErrClosed
    }
    sess := &Session{backend: s.backend, root: s.root}
    if err := sess.Refresh(ctx); err != nil {
        return nil, err
    }
    return sess, nil
}

// Clean normalises p to an absolute slash path without trailing slash.
func Clean(p string) string {
    if p == "" { return "/" }
    if !strings.HasPrefix(p, "/") { p = "/" + p }
    return path.Clean(p)
}

// Join joins path elements and cleans the result.
func Join(elem ...string) string { return Clean(path.Join(elem...)) }

// Name returns the last element of p.
func Name(p string) string { return path.Base(Clean(p)) }

// isUnder reports whether p equals prefix or lives below it.
func isUnder(p, prefix string) bool {
    if prefix == "/" { return true }
    return p == prefix || strings.HasPrefix(p, prefix+"/")
}
