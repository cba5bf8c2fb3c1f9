package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-discovery/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do runs one request per attempt with exponential backoff between failed
// attempts. A response with a decodable body ends the loop even on a non-200
// status so callers can read the error the server reported.
func (c *Client) do(ctx context.Context, attempts int, method, url string, body []byte, out any) error {
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK:
                return decode(b, out)
            case resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusBadRequest:
                return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(b))
            default:
                var eb errorBody
                if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
                    lastErr = errors.New(eb.Error)
                } else {
                    lastErr = fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(b))
                }
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            if lastErr == nil { lastErr = ctx.Err() }
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func decode(b []byte, out any) error {
    if raw, ok := out.(*[]byte); ok {
        *raw = b
        return nil
    }
    return json.Unmarshal(b, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.do(ctx, c.attempts, http.MethodGet, c.url(addr, "/status"), nil, &out)
    return out, err
}

func (c *Client) GetTopology(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.do(ctx, c.attempts, http.MethodGet, c.url(addr, "/topology"), nil, &out)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    err = c.do(ctx, c.attempts, http.MethodPost, c.url(addr, "/join"), body, &out)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    err = c.do(ctx, c.attempts, http.MethodPost, c.url(addr, "/leave"), body, &out)
    return out, err
}

// PostCommit is sent once; the store retries conflicts itself.
func (c *Client) PostCommit(ctx context.Context, addr string, req transport.CommitRequest) (transport.CommitResponse, error) {
    var out transport.CommitResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    err = c.do(ctx, 1, http.MethodPost, c.url(addr, "/commit"), body, &out)
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
