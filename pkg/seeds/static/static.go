package static

import "github.com/amirimatin/go-discovery/pkg/seeds"

type list []string

func (l list) Seeds() []string { return append([]string(nil), l...) }

// New returns a Provider that always returns the given seeds, cleaned.
func New(addrs ...string) seeds.Provider { return list(seeds.Normalize(addrs)) }

// Parse builds a Provider from a comma-separated list such as a flag value.
func Parse(csv string) seeds.Provider { return list(seeds.Split(csv)) }
