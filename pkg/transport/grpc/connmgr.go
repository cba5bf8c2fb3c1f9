package grpc

import (
    "context"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-discovery/pkg/observability/metrics"
)

var errPoolClosed = errors.New("grpc: connection pool closed")

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// connPool shares one client connection per management address. Concurrent
// callers for a target wait on a single dial; a connection nobody holds is
// closed after ttl.
type connPool struct {
    ttl  time.Duration
    dial dialFunc

    mu     sync.Mutex
    conns  map[string]*pooledConn
    closed bool
}

type pooledConn struct {
    ready chan struct{} // closed once cc or err is set
    cc    *grpc.ClientConn
    err   error
    users int
    idle  *time.Timer
}

func newConnPool(ttl time.Duration, dial dialFunc) *connPool {
    if ttl <= 0 { ttl = 30 * time.Second }
    return &connPool{ttl: ttl, dial: dial, conns: make(map[string]*pooledConn)}
}

// acquire returns the shared connection for target and a release func.
func (p *connPool) acquire(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil, nil, errPoolClosed
    }
    pc, ok := p.conns[target]
    if ok {
        pc.users++
        if pc.idle != nil {
            pc.idle.Stop()
            pc.idle = nil
        }
        p.mu.Unlock()
        select {
        case <-pc.ready:
        case <-ctx.Done():
            p.release(target, pc)
            return nil, nil, ctx.Err()
        }
        if pc.err != nil {
            p.release(target, pc)
            return nil, nil, pc.err
        }
        obsmetrics.GRPCConnReuse.Inc()
        return pc.cc, func() { p.release(target, pc) }, nil
    }
    pc = &pooledConn{ready: make(chan struct{}), users: 1}
    p.conns[target] = pc
    p.mu.Unlock()

    cc, err := p.dial(ctx, target)
    p.mu.Lock()
    pc.cc, pc.err = cc, err
    if err != nil {
        if p.conns[target] == pc { delete(p.conns, target) }
    } else {
        obsmetrics.GRPCConnDials.Inc()
        obsmetrics.GRPCConnActive.Inc()
    }
    close(pc.ready)
    p.mu.Unlock()
    if err != nil { return nil, nil, err }
    return cc, func() { p.release(target, pc) }, nil
}

func (p *connPool) release(target string, pc *pooledConn) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if pc.users > 0 { pc.users-- }
    if pc.users > 0 || pc.cc == nil || p.closed || p.conns[target] != pc { return }
    pc.idle = time.AfterFunc(p.ttl, func() { p.evict(target, pc) })
}

func (p *connPool) evict(target string, pc *pooledConn) {
    p.mu.Lock()
    if p.conns[target] != pc || pc.users > 0 {
        p.mu.Unlock()
        return
    }
    delete(p.conns, target)
    p.mu.Unlock()
    _ = pc.cc.Close()
    obsmetrics.GRPCConnEvictions.Inc()
    obsmetrics.GRPCConnActive.Dec()
}

// close drops every pooled connection; later acquires fail.
func (p *connPool) close() {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return
    }
    p.closed = true
    conns := p.conns
    p.conns = nil
    p.mu.Unlock()
    for _, pc := range conns {
        <-pc.ready
        if pc.idle != nil { pc.idle.Stop() }
        if pc.cc != nil {
            _ = pc.cc.Close()
            obsmetrics.GRPCConnActive.Dec()
        }
    }
}
