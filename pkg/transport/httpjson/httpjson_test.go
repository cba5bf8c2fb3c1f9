package httpjson

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

func hostOf(srv *httptest.Server) string { return strings.TrimPrefix(srv.URL, "http://") }

func TestStatusTopologyAndCommit(t *testing.T) {
    var gotTx store.Tx
    h := transport.Handlers{
        Status:   func(context.Context) ([]byte, error) { return []byte(`{"instanceId":"a"}`), nil },
        Topology: func(context.Context) ([]byte, error) { return []byte(`{"clusterId":"c1"}`), nil },
        Commit: func(_ context.Context, req transport.CommitRequest) (transport.CommitResponse, error) {
            gotTx = req.Tx
            return transport.CommitResponse{Conflict: true, Error: "stale"}, nil
        },
    }
    srv := httptest.NewServer(Handler(h))
    defer srv.Close()
    c := NewClient(time.Second)
    ctx := context.Background()

    st, err := c.GetStatus(ctx, hostOf(srv))
    require.NoError(t, err)
    require.JSONEq(t, `{"instanceId":"a"}`, string(st))
    topo, err := c.GetTopology(ctx, hostOf(srv))
    require.NoError(t, err)
    require.JSONEq(t, `{"clusterId":"c1"}`, string(topo))

    tx := store.Tx{Expect: map[string]uint64{"/a": 3}, Ops: []store.Op{{Kind: store.OpDelete, Path: "/a"}}}
    resp, err := c.PostCommit(ctx, hostOf(srv), transport.CommitRequest{Tx: tx})
    require.NoError(t, err)
    require.True(t, resp.Conflict)
    require.Equal(t, uint64(3), gotTx.Expect["/a"])
}

func TestMissingHandlersAreNotImplemented(t *testing.T) {
    srv := httptest.NewServer(Handler(transport.Handlers{}))
    defer srv.Close()
    c := NewClient(time.Second)
    _, err := c.PostJoin(context.Background(), hostOf(srv), transport.JoinRequest{ID: "x", RaftAddr: "y"})
    require.Error(t, err)
    require.Contains(t, err.Error(), "501")

    resp, err := http.Get(srv.URL + "/healthz")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerErrorIsReported(t *testing.T) {
    calls := 0
    h := transport.Handlers{Status: func(context.Context) ([]byte, error) {
        calls++
        return nil, errors.New("store unavailable")
    }}
    srv := httptest.NewServer(Handler(h))
    defer srv.Close()
    _, err := NewClient(time.Second).GetStatus(context.Background(), hostOf(srv))
    require.Error(t, err)
    require.Greater(t, calls, 1, "server errors are retried")
}

func TestServerStartStop(t *testing.T) {
    s := NewServer("127.0.0.1:0", nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, s.Start(ctx, transport.Handlers{
        Leave: func(_ context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
            return transport.LeaveResponse{Accepted: req.ID == "b"}, nil
        },
    }))
    require.NotEqual(t, "127.0.0.1:0", s.Addr())
    resp, err := NewClient(time.Second).PostLeave(ctx, s.Addr(), transport.LeaveRequest{ID: "b"})
    require.NoError(t, err)
    require.True(t, resp.Accepted)
    require.NoError(t, s.Stop(context.Background()))
}
