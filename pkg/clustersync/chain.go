package clustersync

import "github.com/amirimatin/go-discovery/pkg/topology"

// Chain runs syncers one after another; the callback fires after the last.
type Chain struct {
    parts []topology.Syncer
}

func NewChain(parts ...topology.Syncer) *Chain {
    var ps []topology.Syncer
    for _, p := range parts {
        if p != nil { ps = append(ps, p) }
    }
    return &Chain{parts: ps}
}

func (c *Chain) Sync(v *topology.View, done func()) {
    for _, p := range c.parts { p.CancelSync() }
    c.step(0, v, done)
}

func (c *Chain) step(i int, v *topology.View, done func()) {
    if i == len(c.parts) {
        done()
        return
    }
    c.parts[i].Sync(v, func() { c.step(i+1, v, done) })
}

func (c *Chain) CancelSync() {
    for _, p := range c.parts { p.CancelSync() }
}
