package voting

import (
    "fmt"
    "strings"
    "time"

    "golang.org/x/exp/slices"

    "github.com/amirimatin/go-discovery/pkg/store"
)

// Property keys of ballot and member nodes.
const (
    keyVotingStart        = "votingStart"
    keyClusterID          = "clusterId"
    keyClusterIDDefinedAt = "clusterIdDefinedAt"
    keyClusterIDDefinedBy = "clusterIdDefinedBy"
    keyLeaderID           = "leaderId"
    keyPromotedAt         = "promotedAt"
    keyPromotedBy         = "promotedBy"
    keyInitiator          = "initiator"
    keyVote               = "vote"
    keyVotedAt            = "votedAt"

    // KeyLeaderElectionID is shared by heartbeat records, ballot members and
    // the established view.
    KeyLeaderElectionID = "leaderElectionId"
    // KeyLeaderElectionIDCreatedAt records when the id was last changed.
    KeyLeaderElectionIDCreatedAt = "leaderElectionIdCreatedAt"
)

// Member is one candidate of a ballot.
type Member struct {
    ID               string
    Initiator        bool
    Vote             *bool
    VotedAt          time.Time
    LeaderElectionID string
}

// Ballot is a read snapshot of a voting node, either ongoing or established.
type Ballot struct {
    ID                 string
    Path               string
    Start              time.Time
    HasStart           bool
    ClusterID          string
    ClusterIDDefinedAt time.Time
    ClusterIDDefinedBy string

    // Only set on established views.
    LeaderID         string
    LeaderElectionID string
    PromotedAt       time.Time
    PromotedBy       string

    // Members sorted by id.
    Members []Member
}

func loadBallot(sess *store.Session, n *store.Node) *Ballot {
    b := &Ballot{
        ID:                 n.Name,
        Path:               n.Path,
        ClusterID:          n.Props[keyClusterID],
        ClusterIDDefinedBy: n.Props[keyClusterIDDefinedBy],
        LeaderID:           n.Props[keyLeaderID],
        LeaderElectionID:   n.Props[KeyLeaderElectionID],
        PromotedBy:         n.Props[keyPromotedBy],
    }
    b.Start, b.HasStart = n.Props.Time(keyVotingStart)
    b.ClusterIDDefinedAt, _ = n.Props.Time(keyClusterIDDefinedAt)
    b.PromotedAt, _ = n.Props.Time(keyPromotedAt)
    for _, m := range sess.Children(store.Join(n.Path, "members")) {
        mem := Member{ID: m.Name, LeaderElectionID: m.Props[KeyLeaderElectionID]}
        mem.Initiator, _ = m.Props.Bool(keyInitiator)
        if v, ok := m.Props.Bool(keyVote); ok { mem.Vote = &v }
        mem.VotedAt, _ = m.Props.Time(keyVotedAt)
        b.Members = append(b.Members, mem)
    }
    return b
}

func (b *Ballot) memberPath(id string) string { return store.Join(b.Path, "members", id) }

// Member returns the candidate with the given id.
func (b *Ballot) Member(id string) (Member, bool) {
    i, ok := slices.BinarySearchFunc(b.Members, id, func(m Member, id string) int {
        return strings.Compare(m.ID, id)
    })
    if !ok { return Member{}, false }
    return b.Members[i], true
}

// MemberIDs returns the sorted candidate ids.
func (b *Ballot) MemberIDs() []string {
    ids := make([]string, len(b.Members))
    for i, m := range b.Members { ids[i] = m.ID }
    return ids
}

// Initiator returns the id of the member that opened the ballot.
func (b *Ballot) Initiator() string {
    for _, m := range b.Members {
        if m.Initiator { return m.ID }
    }
    return ""
}

func (b *Ballot) IsInitiatedBy(id string) bool {
    m, ok := b.Member(id)
    return ok && m.Initiator
}

// IsWinning reports whether every candidate voted yes.
func (b *Ballot) IsWinning() bool {
    if len(b.Members) == 0 { return false }
    for _, m := range b.Members {
        if m.Vote == nil || !*m.Vote { return false }
    }
    return true
}

// HasNoVotes reports whether any candidate voted no.
func (b *Ballot) HasNoVotes() bool {
    for _, m := range b.Members {
        if m.Vote != nil && !*m.Vote { return true }
    }
    return false
}

// HasVotedYes reports whether id already voted yes.
func (b *Ballot) HasVotedYes(id string) bool {
    m, ok := b.Member(id)
    return ok && m.Vote != nil && *m.Vote
}

// IsTimedOut reports whether the ballot is older than timeout. A ballot
// without a start time never becomes ongoing and is treated as timed out.
func (b *Ballot) IsTimedOut(timeout time.Duration, now time.Time) bool {
    if !b.HasStart { return true }
    return now.Sub(b.Start) > timeout
}

// IsOngoing reports whether the ballot is still within its timeout.
func (b *Ballot) IsOngoing(timeout time.Duration, now time.Time) bool {
    if !b.HasStart { return false }
    return now.Sub(b.Start) < timeout
}

// MatchesLiveView reports whether the candidates are exactly the live ids.
func (b *Ballot) MatchesLiveView(live []string) bool {
    return SameMembers(b.MemberIDs(), live)
}

// SameMembers compares two id sets regardless of order.
func SameMembers(a, b []string) bool {
    if len(a) != len(b) { return false }
    as := slices.Clone(a)
    bs := slices.Clone(b)
    slices.Sort(as)
    slices.Sort(bs)
    return slices.Equal(as, bs)
}

func (b *Ballot) String() string {
    return fmt.Sprintf("voting[id=%s initiator=%s members=%v]", b.ID, b.Initiator(), b.MemberIDs())
}

// LoadOngoing returns every ongoing ballot in votingId order.
func LoadOngoing(sess *store.Session, l Layout) []*Ballot {
    var out []*Ballot
    for _, n := range sess.Children(l.Ongoing()) {
        out = append(out, loadBallot(sess, n))
    }
    return out
}

// LoadEstablished returns the established view or nil when none exists yet.
func LoadEstablished(sess *store.Session, l Layout) *Ballot {
    children := sess.Children(l.Established())
    if len(children) == 0 { return nil }
    return loadBallot(sess, children[0])
}

// winningBallot returns the first winning ballot, if any.
func winningBallot(ballots []*Ballot) *Ballot {
    for _, b := range ballots {
        if b.IsWinning() { return b }
    }
    return nil
}

// LowestElectionID returns the member that leads the ballot once promoted.
func (b *Ballot) LowestElectionID() (Member, bool) {
    if len(b.Members) == 0 { return Member{}, false }
    best := b.Members[0]
    for _, m := range b.Members[1:] {
        switch {
        case best.LeaderElectionID == "":
            best = m
        case m.LeaderElectionID == "":
        case m.LeaderElectionID < best.LeaderElectionID:
            best = m
        }
    }
    return best, true
}
