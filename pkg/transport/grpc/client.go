package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-discovery/pkg/transport"
)

// Client calls the management service. Connections are cached per address
// and closed after they were idle for 30s.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    once sync.Once
    pool *connPool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.pool = newConnPool(30*time.Second, c.dialCtx) })
    return c.pool.acquire(ctx, addr)
}

// Close closes all cached connections.
func (c *Client) Close() {
    c.once.Do(func() {})
    if c.pool != nil { c.pool.close() }
}

func invoke[Req, Resp any](c *Client, ctx context.Context, addr, method string, req *Req) (Resp, error) {
    var resp Resp
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return resp, err }
    defer rel()
    err = cc.Invoke(cctx, "/"+serviceName+"/"+method, req, &resp)
    return resp, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out, err := invoke[empty, blob](c, ctx, addr, "GetStatus", &empty{})
    return out.Data, err
}

func (c *Client) GetTopology(ctx context.Context, addr string) ([]byte, error) {
    out, err := invoke[empty, blob](c, ctx, addr, "GetTopology", &empty{})
    return out.Data, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    return invoke[transport.JoinRequest, transport.JoinResponse](c, ctx, addr, "Join", &req)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    return invoke[transport.LeaveRequest, transport.LeaveResponse](c, ctx, addr, "Leave", &req)
}

func (c *Client) PostCommit(ctx context.Context, addr string, req transport.CommitRequest) (transport.CommitResponse, error) {
    return invoke[transport.CommitRequest, transport.CommitResponse](c, ctx, addr, "Commit", &req)
}

var _ transport.RPCClient = (*Client)(nil)
