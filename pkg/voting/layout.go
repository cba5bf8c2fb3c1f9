package voting

import "github.com/amirimatin/go-discovery/pkg/store"

// Layout names the store paths the protocol uses below one root.
type Layout struct {
    Root string
}

func (l Layout) Instances() string             { return store.Join(l.Root, "clusterInstances") }
func (l Layout) Instance(id string) string     { return store.Join(l.Instances(), id) }
func (l Layout) Ongoing() string               { return store.Join(l.Root, "ongoingVotings") }
func (l Layout) Ballot(votingID string) string { return store.Join(l.Ongoing(), votingID) }
func (l Layout) Established() string           { return store.Join(l.Root, "establishedView") }
func (l Layout) Previous() string              { return store.Join(l.Root, "previousView") }
