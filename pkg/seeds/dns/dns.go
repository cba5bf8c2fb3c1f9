// Package dns resolves gossip seeds from SRV or A/AAAA records, e.g. a
// headless Kubernetes service.
package dns

import (
    "context"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/seeds"
)

// DefaultPort is the memberlist default bind port.
const DefaultPort = 7946

type Options struct {
    // Names are SRV names ("_gossip._tcp.discovery.svc"), hostnames, or
    // literal host:port entries that pass through unchanged.
    Names []string
    // Port for A/AAAA answers, which carry none.
    Port int
    // Refresh is how long an answer is cached; default 5s.
    Refresh time.Duration
    // Timeout bounds one resolution round; default 2s.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type Provider struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) *Provider {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &Provider{opts: opts}
}

// Seeds returns the cached answer while fresh. A failed round keeps the
// previous answer so a DNS hiccup does not empty the seed list.
func (p *Provider) Seeds() []string {
    p.mu.Lock()
    defer p.mu.Unlock()
    if len(p.cache) > 0 && time.Since(p.last) < p.opts.Refresh {
        return append([]string(nil), p.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
    defer cancel()
    if res := p.resolve(ctx); len(res) > 0 || len(p.cache) == 0 {
        p.cache = res
    }
    p.last = time.Now()
    return append([]string(nil), p.cache...)
}

func (p *Provider) resolve(ctx context.Context) []string {
    var out []string
    for _, name := range p.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case isSRV(name):
            out = append(out, p.lookupSRV(ctx, name)...)
        case strings.Contains(name, ":"):
            out = append(out, name)
        default:
            out = append(out, p.lookupHost(ctx, name)...)
        }
    }
    return seeds.Normalize(out)
}

func (p *Provider) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" { return nil }
    _, addrs, err := p.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Warnf(p.opts.Logger, "dns seeds: srv %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (p *Provider) lookupHost(ctx context.Context, host string) []string {
    ips, err := p.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(p.opts.Logger, "dns seeds: host %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(p.opts.Port)))
    }
    return out
}

func isSRV(name string) bool { return strings.HasPrefix(name, "_") && strings.Contains(name, "._") }

// parseSRVName splits _service._proto.domain.
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
        return "", "", ""
    }
    return parts[0][1:], parts[1][1:], parts[2]
}

var _ seeds.Provider = (*Provider)(nil)
