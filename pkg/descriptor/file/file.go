// Package file serves the raw cluster descriptor from a JSON file that the
// storage layer rewrites on every change. An environment variable can
// override the file, which is handy for containers and tests.
package file

import (
    "context"
    "os"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
)

// Options configures the file source.
type Options struct {
    // Path of the descriptor file.
    Path string
    // Env, when set and non-empty in the environment, holds the descriptor
    // JSON and takes precedence over the file.
    Env string
    // Refresh bounds how long a cached read is reused when the mtime did not
    // change; if zero, defaults to 2s.
    Refresh time.Duration
}

type source struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []byte
}

func New(opts Options) descriptor.Source {
    if opts.Refresh <= 0 { opts.Refresh = 2 * time.Second }
    return &source{opts: opts}
}

func (s *source) Descriptor(ctx context.Context) ([]byte, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    s.mu.Lock(); defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
            return []byte(v), nil
        }
    }
    if s.opts.Path == "" { return nil, descriptor.ErrUnavailable }
    stat, err := os.Stat(s.opts.Path)
    if err != nil {
        if len(s.cache) > 0 { return s.cache, nil }
        return nil, descriptor.ErrUnavailable
    }
    now := time.Now()
    if stat.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
        b, err := os.ReadFile(s.opts.Path)
        if err != nil { return nil, err }
        // a writer truncating the file mid-update yields an empty read
        if len(strings.TrimSpace(string(b))) == 0 {
            if len(s.cache) > 0 { return s.cache, nil }
            return nil, descriptor.ErrUnavailable
        }
        s.cache = b
        s.last = now
        s.mtime = stat.ModTime()
    }
    return s.cache, nil
}
