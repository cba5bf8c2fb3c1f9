// Package seeds supplies the gossip addresses a new instance contacts to
// join the membership layer. Providers are asked again on every join
// attempt, so they may return a different list each time.
package seeds

import (
    "strings"

    "golang.org/x/exp/slices"
)

// Provider returns host:port gossip seeds.
type Provider interface {
    Seeds() []string
}

// Func adapts a function to Provider.
type Func func() []string

func (f Func) Seeds() []string { return f() }

// Merge combines providers into one whose result is the sorted union.
func Merge(ps ...Provider) Provider {
    return Func(func() []string {
        var all []string
        for _, p := range ps {
            if p == nil { continue }
            all = append(all, p.Seeds()...)
        }
        return Normalize(all)
    })
}

// Normalize trims, drops empties, sorts and de-duplicates.
func Normalize(in []string) []string {
    out := make([]string, 0, len(in))
    for _, s := range in {
        if s = strings.TrimSpace(s); s != "" {
            out = append(out, s)
        }
    }
    slices.Sort(out)
    out = slices.Compact(out)
    if len(out) == 0 { return nil }
    return out
}

// Split parses a comma-separated list.
func Split(csv string) []string {
    if csv == "" { return nil }
    return Normalize(strings.Split(csv, ","))
}

// Without drops the given addresses, typically the instance's own gossip
// address.
func Without(in []string, self ...string) []string {
    out := in[:0:0]
    for _, s := range in {
        if !slices.Contains(self, s) { out = append(out, s) }
    }
    return out
}
