package descriptor

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
)

// Reader polls a Source and keeps the last accepted descriptor. Sequence
// numbers must never decrease; a regression is reported and the previous
// descriptor stays current.
type Reader struct {
    src    Source
    logger *log.Logger
    mu     sync.Mutex
    last   *Raw
}

func NewReader(src Source, logger *log.Logger) *Reader {
    if logger == nil { logger = log.Default() }
    return &Reader{src: src, logger: logger}
}

// Read fetches and accepts the latest descriptor.
func (r *Reader) Read(ctx context.Context) (*Raw, error) {
    if r == nil || r.src == nil { return nil, ErrUnavailable }
    b, err := r.src.Descriptor(ctx)
    if err != nil {
        if errors.Is(err, ErrUnavailable) { return nil, err }
        return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
    }
    d, err := Parse(b)
    if err != nil { return nil, err }
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.last != nil && d.Seq < r.last.Seq {
        logutil.Warnf(r.logger, "descriptor: seq regression %d -> %d, keeping %d", r.last.Seq, d.Seq, r.last.Seq)
        return r.last, fmt.Errorf("%w: %d < %d", ErrSeqRegression, d.Seq, r.last.Seq)
    }
    if r.last == nil || d.Seq != r.last.Seq || d.Final != r.last.Final {
        logutil.Debugf(r.logger, "descriptor: %s", d)
    }
    r.last = d
    return d, nil
}

// Final reads and returns the descriptor only when it is final.
func (r *Reader) Final(ctx context.Context) (*Raw, error) {
    d, err := r.Read(ctx)
    if err != nil { return nil, err }
    if !d.Final { return d, ErrNotFinal }
    return d, nil
}

// Last returns the last accepted descriptor, or nil.
func (r *Reader) Last() *Raw {
    if r == nil { return nil }
    r.mu.Lock(); defer r.mu.Unlock()
    return r.last
}
