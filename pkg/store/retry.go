package store

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
)

// DefaultAttempts is the number of commit attempts Retry makes when the
// caller passes a non-positive count.
const DefaultAttempts = 5

// Retry opens a session, runs fn and commits. When the commit fails with
// ErrConflict the session is reverted, refreshed and fn is run again, up to
// attempts times. Errors returned by fn abort immediately.
func Retry(ctx context.Context, s *Store, attempts int, fn func(*Session) error) error {
    if attempts <= 0 { attempts = DefaultAttempts }
    sess, err := s.Session(ctx)
    if err != nil { return err }
    defer sess.Close()
    var last error
    for i := 0; i < attempts; i++ {
        if i > 0 {
            sess.Revert()
            if err := sess.Refresh(ctx); err != nil { return err }
        }
        if err := ctx.Err(); err != nil { return err }
        if err := fn(sess); err != nil { return err }
        last = sess.Commit(ctx)
        if last == nil { return nil }
        if !errors.Is(last, ErrConflict) { return last }
        metrics.StoreConflicts.Inc()
    }
    return fmt.Errorf("store: giving up after %d attempts: %w", attempts, last)
}
