// Package tlsconfig builds mutual TLS configs for the management transport.
// Certificates are re-read from disk lazily so they can be rotated by
// replacing the files; CA pools are loaded once.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// DefaultReload is how long a loaded certificate is reused.
const DefaultReload = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload is the certificate cache lifetime; zero means DefaultReload.
    Reload time.Duration
}

var errServerCert = errors.New("tlsconfig: server cert and key are required when TLS is enabled")

// Validate checks that the configured files exist.
func (o Options) Validate() error {
    if !o.Enable { return nil }
    for _, f := range []string{o.CAFile, o.CertFile, o.KeyFile} {
        if f == "" { continue }
        if _, err := os.Stat(f); err != nil { return fmt.Errorf("tlsconfig: %w", err) }
    }
    if (o.CertFile == "") != (o.KeyFile == "") {
        return errors.New("tlsconfig: cert and key must be set together")
    }
    return nil
}

// Server returns a server config, or nil when TLS is disabled. With a CA file
// set, clients must present a certificate signed by it.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errServerCert }
    pool, err := loadPool(o.CAFile)
    if err != nil { return nil, err }
    rl := o.reloader()
    if _, err := rl.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return rl.get() }
    return cfg, nil
}

// Client returns a client config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    pool, err := loadPool(o.CAFile)
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CertFile != "" && o.KeyFile != "" {
        rl := o.reloader()
        if _, err := rl.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return rl.get() }
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    if path == "" { return nil, nil }
    pem, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) {
        return nil, fmt.Errorf("tlsconfig: no certificates in %s", path)
    }
    return pool, nil
}

type reloader struct {
    cert, key string
    ttl       time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (o Options) reloader() *reloader {
    ttl := o.Reload
    if ttl <= 0 { ttl = DefaultReload }
    return &reloader{cert: o.CertFile, key: o.KeyFile, ttl: ttl}
}

// get returns the cached pair while fresh. A failed reload keeps serving the
// previous pair so a half-written rotation does not break handshakes.
func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cached != nil && time.Since(r.loaded) < r.ttl { return r.cached, nil }
    pair, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        if r.cached != nil { return r.cached, nil }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    r.cached, r.loaded = &pair, time.Now()
    return r.cached, nil
}
