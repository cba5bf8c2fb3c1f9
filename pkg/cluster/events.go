package cluster

import (
    "context"
    "sync"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/topology"
)

// Bind registers a topology listener. It receives TOPOLOGY_INIT with the
// first consistent view and every later event in order.
func (c *Cluster) Bind(l topology.Listener) uint64 { return c.views.Bind(l) }

// Unbind removes a listener registered with Bind.
func (c *Cluster) Unbind(id uint64) bool { return c.views.Unbind(id) }

// Subscribe returns a channel of topology events. The returned channel is
// buffered and closed automatically when ctx is done. Events may be dropped
// if the consumer is too slow (best-effort delivery) to avoid back-pressuring
// the notifier; use Bind for lossless delivery.
func (c *Cluster) Subscribe(ctx context.Context) <-chan topology.Event {
    sub := &subscription{ch: make(chan topology.Event, 64), c: c}
    id := c.views.Bind(sub)
    go func() {
        <-ctx.Done()
        c.views.Unbind(id)
        sub.close()
    }()
    return sub.ch
}

type subscription struct {
    c      *Cluster
    mu     sync.Mutex
    ch     chan topology.Event
    closed bool
}

func (s *subscription) HandleTopologyEvent(e topology.Event) {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return }
    select {
    case s.ch <- e:
    default:
        logutil.Warnf(s.c.opts.Logger, "subscribe: slow consumer, dropping %s", e.Type)
    }
}

func (s *subscription) close() {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.closed { return }
    s.closed = true
    close(s.ch)
}
