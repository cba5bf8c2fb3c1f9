package dns

import (
    "strings"
    "testing"
    "time"
)

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_gossip._tcp.discovery.svc")
    if s != "gossip" || p != "tcp" || n != "discovery.svc" {
        t.Fatalf("got (%q,%q,%q)", s, p, n)
    }
    if s, _, _ := parseSRVName("bad.srv"); s != "" {
        t.Fatalf("expected no service for bad input, got %q", s)
    }
}

func TestPassthroughHostPort(t *testing.T) {
    got := New(Options{Names: []string{"10.0.0.2:7946", " ", "10.0.0.1:7946"}}).Seeds()
    if len(got) != 2 || got[0] != "10.0.0.1:7946" {
        t.Fatalf("unexpected seeds: %#v", got)
    }
}

func TestLookupLocalhost(t *testing.T) {
    p := New(Options{Names: []string{"localhost"}, Port: 12345, Refresh: time.Millisecond})
    got := p.Seeds()
    if len(got) == 0 {
        t.Fatal("expected localhost to resolve")
    }
    for _, s := range got {
        if !strings.HasSuffix(s, ":12345") {
            t.Fatalf("missing port in %q", s)
        }
    }
}

func TestFailedLookupKeepsCache(t *testing.T) {
    p := New(Options{Names: []string{"127.0.0.1:1"}, Refresh: time.Millisecond})
    if got := p.Seeds(); len(got) != 1 {
        t.Fatalf("unexpected seeds: %#v", got)
    }
    p.opts.Names = []string{"does-not-exist.invalid"}
    time.Sleep(2 * time.Millisecond)
    if got := p.Seeds(); len(got) != 1 || got[0] != "127.0.0.1:1" {
        t.Fatalf("expected previous answer, got %#v", got)
    }
}
