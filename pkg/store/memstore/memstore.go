// Package memstore is an in-process store.Backend. Several instances in one
// process can share a single Backend to form a cluster without any network.
package memstore

import (
    "context"
    "sync/atomic"

    "github.com/amirimatin/go-discovery/pkg/store"
)

// Backend keeps the tree in memory.
type Backend struct {
    tree    *store.Tree
    applies atomic.Uint64
}

func New() *Backend { return &Backend{tree: store.NewTree()} }

func (b *Backend) Load(ctx context.Context, prefix string) (map[string]store.Entry, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    return b.tree.Load(prefix), nil
}

func (b *Backend) Apply(ctx context.Context, tx store.Tx) error {
    if err := ctx.Err(); err != nil { return err }
    if err := b.tree.Apply(tx); err != nil { return err }
    b.applies.Add(1)
    return nil
}

// Tree exposes the underlying tree, mostly for snapshots in tests.
func (b *Backend) Tree() *store.Tree { return b.tree }

// Applies counts successful transactions.
func (b *Backend) Applies() uint64 { return b.applies.Load() }

// Gate wraps a Backend and can cut one client off from it, which is how tests
// simulate a stalled or partitioned instance.
type Gate struct {
    inner     store.Backend
    closed    atomic.Bool
    readOnly  atomic.Bool
}

// NewGate returns an open gate in front of inner.
func NewGate(inner store.Backend) *Gate { return &Gate{inner: inner} }

// Close makes every call fail with store.ErrUnavailable.
func (g *Gate) Close() { g.closed.Store(true) }

// Open restores access.
func (g *Gate) Open() { g.closed.Store(false) }

// SetReadOnly makes Apply fail while Load keeps working.
func (g *Gate) SetReadOnly(v bool) { g.readOnly.Store(v) }

func (g *Gate) Load(ctx context.Context, prefix string) (map[string]store.Entry, error) {
    if g.closed.Load() { return nil, store.ErrUnavailable }
    return g.inner.Load(ctx, prefix)
}

func (g *Gate) Apply(ctx context.Context, tx store.Tx) error {
    if g.closed.Load() || g.readOnly.Load() { return store.ErrUnavailable }
    return g.inner.Apply(ctx, tx)
}
