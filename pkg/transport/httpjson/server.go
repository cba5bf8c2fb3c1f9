// Package httpjson serves and calls the management API over plain HTTP with
// JSON bodies: GET /status, GET /topology, POST /join, /leave and /commit,
// plus /healthz and the Prometheus /metrics endpoint.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints. It is
// intended for intra-cluster calls and operator tooling.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu   sync.Mutex
    srv  *http.Server
    addr string
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the mux for h. Exposed for tests and for embedding the
// management API into an existing server.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", getJSON("status", h.Status))
    mux.HandleFunc("/topology", getJSON("topology", h.Topology))
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/join", postJSON("join", h.Join))
    mux.HandleFunc("/leave", postJSON("leave", h.Leave))
    mux.HandleFunc("/commit", postJSON("commit", h.Commit))
    return mux
}

func getJSON(name string, fn func(context.Context) ([]byte, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil {
            metrics.RPCRequests.WithLabelValues(name, "unsupported").Inc()
            http.Error(w, name+" "+transport.ErrNotSupported, http.StatusNotImplemented)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        data, err := fn(ctx)
        if err != nil {
            metrics.RPCRequests.WithLabelValues(name, "error").Inc()
            http.Error(w, fmt.Sprintf("%s error: %v", name, err), http.StatusInternalServerError)
            return
        }
        metrics.RPCRequests.WithLabelValues(name, "ok").Inc()
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }
}

func postJSON[Req, Resp any](name string, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil {
            metrics.RPCRequests.WithLabelValues(name, "unsupported").Inc()
            http.Error(w, name+" "+transport.ErrNotSupported, http.StatusNotImplemented)
            return
        }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            metrics.RPCRequests.WithLabelValues(name, "invalid").Inc()
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        resp, err := fn(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            metrics.RPCRequests.WithLabelValues(name, "error").Inc()
            w.WriteHeader(http.StatusInternalServerError)
            _ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
            return
        }
        metrics.RPCRequests.WithLabelValues(name, "ok").Inc()
        _ = json.NewEncoder(w).Encode(resp)
    }
}

type errorBody struct {
    Error string `json:"error"`
}

// Start launches the HTTP server with handlers h. The server is shut down
// when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv = srv
    s.addr = ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
    s.mu.Lock(); defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
