package voting_test

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/store"
    "github.com/amirimatin/go-discovery/pkg/store/memstore"
    "github.com/amirimatin/go-discovery/pkg/voting"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type cluster struct {
    st       *store.Store
    clk      *clock
    handlers map[string]*voting.Handler
}

func newCluster(t *testing.T, electionIDs map[string]string) *cluster {
    t.Helper()
    c := &cluster{
        st:       store.New(memstore.New(), "/var/discovery"),
        clk:      &clock{now: time.UnixMilli(1_700_000_000_000)},
        handlers: map[string]*voting.Handler{},
    }
    for id, eid := range electionIDs {
        h, err := voting.New(voting.Options{Store: c.st, InstanceID: id, Timeout: time.Minute, Clock: c.clk.Now})
        require.NoError(t, err)
        h.SetLeaderElectionID(eid)
        c.handlers[id] = h
        c.heartbeat(t, id, eid)
    }
    return c
}

func (c *cluster) heartbeat(t *testing.T, id, eid string) {
    t.Helper()
    err := store.Retry(context.Background(), c.st, 0, func(s *store.Session) error {
        return s.Write(voting.Layout{Root: c.st.Root()}.Instance(id), store.Properties{
            voting.KeyLeaderElectionID: eid,
            "lastHeartbeat":            store.FormatTime(c.clk.Now()),
        })
    })
    require.NoError(t, err)
}

func onlyDetail(t *testing.T, m map[string]voting.Detail) (string, voting.Detail) {
    t.Helper()
    require.Len(t, m, 1)
    for id, d := range m { return id, d }
    return "", 0
}

func TestTwoNodesPromote(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_2_a", "b": "0_1_b"})
    live := []string{"a", "b"}

    vid, err := c.handlers["a"].StartVoting(ctx, live)
    require.NoError(t, err)

    res, err := c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    id, d := onlyDetail(t, res)
    require.Equal(t, vid, id)
    require.Equal(t, voting.VotedYes, d)

    res, err = c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    _, d = onlyDetail(t, res)
    require.Equal(t, voting.Winning, d)

    res, err = c.handlers["a"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    _, d = onlyDetail(t, res)
    require.Equal(t, voting.Promoted, d)

    est, err := c.handlers["a"].Established(ctx)
    require.NoError(t, err)
    require.NotNil(t, est)
    require.Equal(t, vid, est.ID)
    require.Equal(t, "b", est.LeaderID, "lowest election id leads")
    require.Equal(t, "0_1_b", est.LeaderElectionID)
    require.Equal(t, vid, est.ClusterID)
    require.Equal(t, "a", est.PromotedBy)

    ongoing, err := c.handlers["a"].Ongoing(ctx)
    require.NoError(t, err)
    require.Empty(t, ongoing)

    res, err = c.handlers["a"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    require.Empty(t, res, "re-observing an established view triggers nothing")
}

func TestClusterIDInheritedAndPreviousViewKept(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_1_a", "b": "0_2_b"})
    first, err := c.handlers["a"].StartVoting(ctx, []string{"a"})
    require.NoError(t, err)
    _, err = c.handlers["a"].AnalyzeVotings(ctx, []string{"a"})
    require.NoError(t, err)

    live := []string{"a", "b"}
    second, err := c.handlers["b"].StartVoting(ctx, live)
    require.NoError(t, err)
    _, err = c.handlers["a"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    res, err := c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    require.Equal(t, voting.Promoted, res[second])

    est, err := c.handlers["a"].Established(ctx)
    require.NoError(t, err)
    require.Equal(t, second, est.ID)
    require.Equal(t, first, est.ClusterID)
    require.Equal(t, "a", est.LeaderID)

    sess, err := c.st.Session(ctx)
    require.NoError(t, err)
    defer sess.Close()
    prev := sess.Children(voting.Layout{Root: c.st.Root()}.Previous())
    require.Len(t, prev, 1)
    require.Equal(t, first, prev[0].Name)
}

func TestVoteIsIdempotent(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_1_a", "b": "0_2_b", "c": "0_3_c"})
    live := []string{"a", "b", "c"}
    vid, err := c.handlers["a"].StartVoting(ctx, live)
    require.NoError(t, err)

    res, err := c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    require.Equal(t, voting.VotedYes, res[vid])
    ongoing, err := c.handlers["b"].Ongoing(ctx)
    require.NoError(t, err)
    m, ok := ongoing[0].Member("b")
    require.True(t, ok)
    votedAt := m.VotedAt

    c.clk.Advance(5 * time.Second)
    res, err = c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    require.Equal(t, voting.Unchanged, res[vid])
    ongoing, err = c.handlers["b"].Ongoing(ctx)
    require.NoError(t, err)
    m, _ = ongoing[0].Member("b")
    require.Equal(t, votedAt, m.VotedAt)
}

// A candidate that never votes must not keep the ballot alive.
func TestSilentMemberBallotTimesOut(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_1_a", "b": "0_2_b", "c": "0_3_c"})
    live := []string{"a", "b", "c"}
    vid, err := c.handlers["a"].StartVoting(ctx, live)
    require.NoError(t, err)
    _, err = c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)

    var stamps []time.Time
    for i := 0; i < 5; i++ {
        c.clk.Advance(10 * time.Second)
        res, err := c.handlers["a"].AnalyzeVotings(ctx, live)
        require.NoError(t, err)
        require.Equal(t, voting.Unchanged, res[vid])
        ongoing, err := c.handlers["a"].Ongoing(ctx)
        require.NoError(t, err)
        m, _ := ongoing[0].Member("b")
        stamps = append(stamps, m.VotedAt)
    }
    c.clk.Advance(15 * time.Second)
    res, err := c.handlers["b"].AnalyzeVotings(ctx, live)
    require.NoError(t, err)
    require.Equal(t, voting.TimedOut, res[vid])

    ongoing, err := c.handlers["a"].Ongoing(ctx)
    require.NoError(t, err)
    require.Empty(t, ongoing)
    for _, s := range stamps[1:] { require.Equal(t, stamps[0], s) }

    next, err := c.handlers["a"].StartVoting(ctx, []string{"a", "b"})
    require.NoError(t, err)
    require.NotEqual(t, vid, next)
}

func TestMismatchedLiveViewVotesNo(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_1_a", "b": "0_2_b", "c": "0_3_c"})
    vid, err := c.handlers["a"].StartVoting(ctx, []string{"a", "b", "c"})
    require.NoError(t, err)

    res, err := c.handlers["b"].AnalyzeVotings(ctx, []string{"a", "b"})
    require.NoError(t, err)
    require.Equal(t, voting.VotedNo, res[vid])

    // once a no is in, everyone follows
    res, err = c.handlers["c"].AnalyzeVotings(ctx, []string{"a", "b", "c"})
    require.NoError(t, err)
    require.Equal(t, voting.VotedNo, res[vid])
    res, err = c.handlers["c"].AnalyzeVotings(ctx, []string{"a", "b", "c"})
    require.NoError(t, err)
    require.Equal(t, voting.Unchanged, res[vid])
}

func TestCleanupTimedoutVotings(t *testing.T) {
    ctx := context.Background()
    c := newCluster(t, map[string]string{"a": "0_1_a", "b": "0_2_b"})
    _, err := c.handlers["a"].StartVoting(ctx, []string{"a", "b"})
    require.NoError(t, err)

    n, err := c.handlers["b"].CleanupTimedoutVotings(ctx)
    require.NoError(t, err)
    require.Zero(t, n)

    c.clk.Advance(2 * time.Minute)
    n, err = c.handlers["b"].CleanupTimedoutVotings(ctx)
    require.NoError(t, err)
    require.Equal(t, 1, n)
}

func TestStartVotingValidation(t *testing.T) {
    c := newCluster(t, map[string]string{"a": "0_1_a"})
    _, err := c.handlers["a"].StartVoting(context.Background(), []string{"b"})
    require.ErrorIs(t, err, voting.ErrNotLive)

    h, err := voting.New(voting.Options{Store: c.st, InstanceID: "z"})
    require.NoError(t, err)
    _, err = h.StartVoting(context.Background(), []string{"z"})
    require.ErrorIs(t, err, voting.ErrNoElectionID)

    _, err = voting.New(voting.Options{InstanceID: "z"})
    require.Error(t, err)
}

func TestSameMembers(t *testing.T) {
    require.True(t, voting.SameMembers([]string{"b", "a"}, []string{"a", "b"}))
    require.False(t, voting.SameMembers([]string{"a"}, []string{"a", "b"}))
    require.False(t, voting.SameMembers([]string{"a", "c"}, []string{"a", "b"}))
}
