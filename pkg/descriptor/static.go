package descriptor

import (
    "context"
    "sync"
)

// Static is a Source that returns whatever was last Set. Used for embedding
// into hosts that receive the descriptor through another channel, and in
// tests.
type Static struct {
    mu  sync.RWMutex
    raw []byte
}

func NewStatic(r *Raw) *Static {
    s := &Static{}
    if r != nil { _ = s.Set(r) }
    return s
}

// Set replaces the descriptor.
func (s *Static) Set(r *Raw) error {
    b, err := r.Marshal()
    if err != nil { return err }
    s.mu.Lock(); s.raw = b; s.mu.Unlock()
    return nil
}

// SetBytes replaces the descriptor with pre-encoded bytes.
func (s *Static) SetBytes(b []byte) {
    s.mu.Lock(); s.raw = append([]byte(nil), b...); s.mu.Unlock()
}

func (s *Static) Descriptor(context.Context) ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    if len(s.raw) == 0 { return nil, ErrUnavailable }
    return s.raw, nil
}
