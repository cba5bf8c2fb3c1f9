// Package file reads gossip seeds from files or an environment variable.
package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/seeds"
)

// DefaultEnv is consulted when Options.Env is empty.
const DefaultEnv = "DISCOVERY_SEEDS"

type Options struct {
    // Path is a file or a glob. Lines hold one or more comma-separated
    // seeds; '#' starts a comment line.
    Path string
    // Env, when set in the environment, overrides the file.
    Env string
    // Refresh forces a re-read even if modification times did not change.
    Refresh time.Duration
}

type Provider struct {
    opts Options

    mu     sync.Mutex
    loaded time.Time
    mtimes map[string]time.Time
    cache  []string
}

func New(opts Options) *Provider {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Env == "" { opts.Env = DefaultEnv }
    return &Provider{opts: opts}
}

func (p *Provider) Seeds() []string {
    if v := strings.TrimSpace(os.Getenv(p.opts.Env)); v != "" {
        return seeds.Split(v)
    }
    if p.opts.Path == "" { return nil }
    p.mu.Lock()
    defer p.mu.Unlock()
    files, _ := filepath.Glob(p.opts.Path)
    if p.stale(files) {
        var all []string
        mt := make(map[string]time.Time, len(files))
        for _, f := range files {
            if st, err := os.Stat(f); err == nil { mt[f] = st.ModTime() }
            all = append(all, readFile(f)...)
        }
        p.cache, p.mtimes, p.loaded = seeds.Normalize(all), mt, time.Now()
    }
    return append([]string(nil), p.cache...)
}

func (p *Provider) stale(files []string) bool {
    if p.mtimes == nil || time.Since(p.loaded) >= p.opts.Refresh || len(files) != len(p.mtimes) {
        return true
    }
    for _, f := range files {
        st, err := os.Stat(f)
        if err != nil || !st.ModTime().Equal(p.mtimes[f]) { return true }
    }
    return false
}

func readFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, strings.Split(line, ",")...)
    }
    if sc.Err() != nil { return nil }
    return out
}

var _ seeds.Provider = (*Provider)(nil)
