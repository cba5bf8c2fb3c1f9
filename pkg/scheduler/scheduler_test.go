package scheduler

import (
    "context"
    "sync/atomic"
    "testing"
    "time"
)

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(d)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s", d)
}

func TestTickerEveryAndCancel(t *testing.T) {
    s := NewTicker(nil)
    defer s.Stop()
    var n atomic.Int32
    if err := s.Every("hb", 5*time.Millisecond, func(context.Context) { n.Add(1) }); err != nil { t.Fatal(err) }
    waitUntil(t, time.Second, func() bool { return n.Load() >= 3 })
    s.Cancel("hb")
    time.Sleep(20 * time.Millisecond)
    after := n.Load()
    time.Sleep(30 * time.Millisecond)
    if n.Load() != after {
        t.Fatalf("job kept running after cancel: %d -> %d", after, n.Load())
    }
}

func TestTickerAfterReplacesSameName(t *testing.T) {
    s := NewTicker(nil)
    defer s.Stop()
    var first, second atomic.Bool
    _ = s.After("once", 50*time.Millisecond, func(context.Context) { first.Store(true) })
    _ = s.After("once", 5*time.Millisecond, func(context.Context) { second.Store(true) })
    waitUntil(t, time.Second, second.Load)
    time.Sleep(80 * time.Millisecond)
    if first.Load() {
        t.Fatalf("replaced one-shot still fired")
    }
}

func TestTickerStoppedRejects(t *testing.T) {
    s := NewTicker(nil)
    s.Stop()
    if err := s.After("x", time.Millisecond, func(context.Context) {}); err != ErrStopped {
        t.Fatalf("expected ErrStopped, got %v", err)
    }
}

func TestManualAdvanceOrdersJobs(t *testing.T) {
    start := time.Unix(1000, 0)
    m := NewManual(start)
    var order []string
    _ = m.Every("hb", time.Second, func(context.Context) { order = append(order, "hb@"+m.Now().Sub(start).String()) })
    _ = m.After("once", 1500*time.Millisecond, func(context.Context) { order = append(order, "once") })
    m.Advance(2 * time.Second)
    want := []string{"hb@1s", "once", "hb@2s"}
    if len(order) != len(want) {
        t.Fatalf("got %v want %v", order, want)
    }
    for i := range want {
        if order[i] != want[i] { t.Fatalf("got %v want %v", order, want) }
    }
    if m.Scheduled("once") {
        t.Fatalf("one-shot still scheduled")
    }
    if !m.Now().Equal(start.Add(2 * time.Second)) {
        t.Fatalf("clock at %v", m.Now())
    }
}

func TestManualFailingAndCancel(t *testing.T) {
    m := NewManual(time.Unix(0, 0))
    m.SetFailing(true)
    if err := m.Every("x", time.Second, func(context.Context) {}); err != ErrRejected {
        t.Fatalf("expected ErrRejected, got %v", err)
    }
    m.SetFailing(false)
    ran := false
    _ = m.After("y", time.Second, func(context.Context) { ran = true })
    m.Cancel("y")
    m.Advance(2 * time.Second)
    if ran { t.Fatalf("cancelled job ran") }
}
