// Package voting implements the ballot protocol instances use to agree on a
// new view and its leader. A ballot names a candidate member set; every
// candidate votes yes when the set matches what it sees alive and no
// otherwise. A ballot whose candidates all voted yes is promoted by its
// initiator to the established view. Ballots that outlive the voting timeout
// are abandoned and removed.
package voting

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.opentelemetry.io/otel/attribute"
    "golang.org/x/exp/slices"

    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    "github.com/amirimatin/go-discovery/pkg/observability/metrics"
    "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    "github.com/amirimatin/go-discovery/pkg/store"
)

// Detail is what AnalyzeVotings did with one ballot.
type Detail int

const (
    Promoted Detail = iota + 1
    Winning
    VotedYes
    VotedNo
    Unchanged
    TimedOut
)

func (d Detail) String() string {
    switch d {
    case Promoted:
        return "PROMOTED"
    case Winning:
        return "WINNING"
    case VotedYes:
        return "VOTED_YES"
    case VotedNo:
        return "VOTED_NO"
    case Unchanged:
        return "UNCHANGED"
    case TimedOut:
        return "TIMEDOUT"
    default:
        return fmt.Sprintf("Detail(%d)", int(d))
    }
}

var (
    // ErrNotLive is returned by StartVoting when the local instance is not
    // part of the proposed member set.
    ErrNotLive = errors.New("voting: local instance not in live set")
    // ErrNoElectionID is returned before SetLeaderElectionID was called.
    ErrNoElectionID = errors.New("voting: leader election id not set")
)

// Options configures a Handler.
type Options struct {
    Store      *store.Store
    InstanceID string
    // Timeout after which an incomplete ballot is abandoned; default 120s.
    Timeout time.Duration
    Clock   func() time.Time
    Logger  *log.Logger
}

func (o Options) Validate() error {
    if o.Store == nil { return errors.New("voting: nil store") }
    if o.InstanceID == "" { return errors.New("voting: empty instance id") }
    return nil
}

// Handler casts votes and promotes ballots for the local instance.
type Handler struct {
    opts   Options
    layout Layout

    mu               sync.Mutex
    leaderElectionID string
}

func New(opts Options) (*Handler, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Timeout <= 0 { opts.Timeout = 120 * time.Second }
    if opts.Clock == nil { opts.Clock = time.Now }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Handler{opts: opts, layout: Layout{Root: opts.Store.Root()}}, nil
}

// Layout returns the store paths used by the handler.
func (h *Handler) Layout() Layout { return h.layout }

// Timeout is the voting timeout in effect.
func (h *Handler) Timeout() time.Duration { return h.opts.Timeout }

// SetLeaderElectionID sets the id written with every yes vote.
func (h *Handler) SetLeaderElectionID(id string) {
    h.mu.Lock(); defer h.mu.Unlock()
    h.leaderElectionID = id
}

func (h *Handler) LeaderElectionID() string {
    h.mu.Lock(); defer h.mu.Unlock()
    return h.leaderElectionID
}

// AnalyzeVotings inspects every ongoing ballot against the live member set
// and votes, promotes or abandons them. The returned map holds what happened
// per votingId.
func (h *Handler) AnalyzeVotings(ctx context.Context, live []string) (map[string]Detail, error) {
    ctx, end := tracing.StartSpan(ctx, "voting.analyze", tracing.Instance(h.opts.InstanceID))
    defer end()
    var details map[string]Detail
    err := store.Retry(ctx, h.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        details = make(map[string]Detail)
        return h.analyze(ctx, sess, live, details)
    })
    if err != nil { return nil, fmt.Errorf("analyzeVotings: %w", err) }
    for id, d := range details {
        switch d {
        case Promoted:
            metrics.VotingsPromoted.Inc()
        case VotedYes:
            metrics.Votes.WithLabelValues("yes").Inc()
        case VotedNo:
            metrics.Votes.WithLabelValues("no").Inc()
        case TimedOut:
            metrics.VotingsTimedOut.Inc()
        }
        if d != Unchanged && d != Winning {
            logutil.Infof(h.opts.Logger, "analyzeVotings: %s %s", id, d)
        }
    }
    return details, nil
}

func (h *Handler) analyze(ctx context.Context, sess *store.Session, live []string, details map[string]Detail) error {
    me := h.opts.InstanceID
    now := h.opts.Clock()
    ballots := LoadOngoing(sess, h.layout)
    if w := winningBallot(ballots); w != nil {
        if !w.IsInitiatedBy(me) {
            details[w.ID] = Winning
            return nil
        }
        if err := h.promote(ctx, sess, w); err != nil { return err }
        details[w.ID] = Promoted
        return nil
    }
    var yes *Ballot
    for _, b := range ballots {
        switch {
        case b.IsTimedOut(h.opts.Timeout, now):
            if err := sess.Delete(b.Path); err != nil && !errors.Is(err, store.ErrNotFound) { return err }
            details[b.ID] = TimedOut
        case b.HasNoVotes():
            if d, ok := h.vote(sess, b, false, now); ok { details[b.ID] = d }
        case !b.IsOngoing(h.opts.Timeout, now):
            continue
        case !b.MatchesLiveView(live):
            logutil.Debugf(h.opts.Logger, "analyzeVotings: %s does not match live view %v", b, live)
            if d, ok := h.vote(sess, b, false, now); ok { details[b.ID] = d }
        case yes != nil:
            // only one ballot gets the yes vote
            if d, ok := h.vote(sess, b, false, now); ok { details[b.ID] = d }
        default:
            yes = b
        }
    }
    if yes != nil {
        if d, ok := h.vote(sess, yes, true, now); ok { details[yes.ID] = d }
    }
    return nil
}

// vote records the local vote on b. Voting the same value again changes
// nothing. ok is false when the local instance is not a candidate.
func (h *Handler) vote(sess *store.Session, b *Ballot, yes bool, now time.Time) (Detail, bool) {
    me := h.opts.InstanceID
    m, ok := b.Member(me)
    if !ok {
        logutil.Debugf(h.opts.Logger, "vote: %s is not a candidate of %s", me, b)
        return 0, false
    }
    if m.Vote != nil && *m.Vote == yes { return Unchanged, true }
    props := store.Properties{
        keyVote:    store.FormatBool(yes),
        keyVotedAt: store.FormatTime(now),
    }
    if yes {
        // a rejoining instance carries a new election id; the ballot must
        // know it so the leader steps down correctly
        if id := h.LeaderElectionID(); id != "" && id != m.LeaderElectionID {
            props[KeyLeaderElectionID] = id
            props[KeyLeaderElectionIDCreatedAt] = store.FormatTime(now)
        }
    }
    if err := sess.Write(b.memberPath(me), props); err != nil {
        logutil.Errorf(h.opts.Logger, "vote: %s on %s: %v", me, b.ID, err)
        return 0, false
    }
    if yes { return VotedYes, true }
    return VotedNo, true
}

// promote turns the winning ballot into the established view. The old
// established view becomes the previous view and every other ongoing ballot
// is removed.
func (h *Handler) promote(ctx context.Context, sess *store.Session, w *Ballot) error {
    _, end := tracing.StartSpan(ctx, "voting.promote",
        tracing.Instance(h.opts.InstanceID), attribute.String("discovery.voting", w.ID))
    defer end()
    for _, n := range sess.Children(h.layout.Previous()) {
        if err := sess.Delete(n.Path); err != nil { return err }
    }
    for i, n := range sess.Children(h.layout.Established()) {
        if i == 0 {
            if err := sess.Move(n.Path, store.Join(h.layout.Previous(), n.Name)); err != nil { return err }
            continue
        }
        if err := sess.Delete(n.Path); err != nil { return err }
    }
    leader, ok := w.LowestElectionID()
    if !ok { return fmt.Errorf("promote: %s has no members", w.ID) }
    now := h.opts.Clock()
    err := sess.Write(w.Path, store.Properties{
        keyLeaderID:         leader.ID,
        KeyLeaderElectionID: leader.LeaderElectionID,
        keyPromotedAt:       store.FormatTime(now),
        keyPromotedBy:       h.opts.InstanceID,
    })
    if err != nil { return err }
    if err := sess.Move(w.Path, store.Join(h.layout.Established(), w.ID)); err != nil { return err }
    for _, n := range sess.Children(h.layout.Ongoing()) {
        if err := sess.Delete(n.Path); err != nil { return err }
    }
    logutil.Infof(h.opts.Logger, "promote: %s established with leader %s", w, leader.ID)
    return nil
}

// CleanupTimedoutVotings removes every ongoing ballot past the voting
// timeout and returns how many were removed.
func (h *Handler) CleanupTimedoutVotings(ctx context.Context) (int, error) {
    var removed []string
    err := store.Retry(ctx, h.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        removed = removed[:0]
        now := h.opts.Clock()
        for _, b := range LoadOngoing(sess, h.layout) {
            if !b.IsTimedOut(h.opts.Timeout, now) { continue }
            if err := sess.Delete(b.Path); err != nil { return err }
            removed = append(removed, b.ID)
        }
        return nil
    })
    if err != nil { return 0, fmt.Errorf("cleanupTimedoutVotings: %w", err) }
    for _, id := range removed {
        metrics.VotingsTimedOut.Inc()
        logutil.Infof(h.opts.Logger, "cleanupTimedoutVotings: removed %s", id)
    }
    return len(removed), nil
}

// StartVoting opens a ballot proposing live as the new member set, with the
// local instance as initiator voting yes.
func (h *Handler) StartVoting(ctx context.Context, live []string) (string, error) {
    me := h.opts.InstanceID
    if !slices.Contains(live, me) { return "", ErrNotLive }
    electionID := h.LeaderElectionID()
    if electionID == "" { return "", ErrNoElectionID }
    votingID := uuid.NewString()
    path := h.layout.Ballot(votingID)
    err := store.Retry(ctx, h.opts.Store, store.DefaultAttempts, func(sess *store.Session) error {
        now := h.opts.Clock()
        props := store.Properties{keyVotingStart: store.FormatTime(now)}
        if est := LoadEstablished(sess, h.layout); est != nil && est.ClusterID != "" {
            props[keyClusterID] = est.ClusterID
            if !est.ClusterIDDefinedAt.IsZero() {
                props[keyClusterIDDefinedAt] = store.FormatTime(est.ClusterIDDefinedAt)
            }
            props[keyClusterIDDefinedBy] = est.ClusterIDDefinedBy
        } else {
            props[keyClusterID] = votingID
            props[keyClusterIDDefinedAt] = store.FormatTime(now)
        }
        if props[keyClusterIDDefinedBy] == "" { props[keyClusterIDDefinedBy] = me }
        if err := sess.Write(path, props); err != nil { return err }
        for _, id := range live {
            mp := store.Properties{}
            if id == me {
                mp[keyInitiator] = store.FormatBool(true)
                mp[keyVote] = store.FormatBool(true)
                mp[keyVotedAt] = store.FormatTime(now)
                mp[KeyLeaderElectionID] = electionID
            } else if hb, err := sess.Read(h.layout.Instance(id)); err == nil {
                mp[KeyLeaderElectionID] = hb[KeyLeaderElectionID]
            }
            if err := sess.Write(store.Join(path, "members", id), mp); err != nil { return err }
        }
        return nil
    })
    if err != nil { return "", fmt.Errorf("startVoting: %w", err) }
    metrics.VotingsStarted.Inc()
    logutil.Infof(h.opts.Logger, "startVoting: started %s with %d members %v", votingID, len(live), live)
    return votingID, nil
}

// Established reads the current established view, nil when none exists.
func (h *Handler) Established(ctx context.Context) (*Ballot, error) {
    sess, err := h.opts.Store.Session(ctx)
    if err != nil { return nil, err }
    defer sess.Close()
    return LoadEstablished(sess, h.layout), nil
}

// Ongoing reads the current ongoing ballots.
func (h *Handler) Ongoing(ctx context.Context) ([]*Ballot, error) {
    sess, err := h.opts.Store.Session(ctx)
    if err != nil { return nil, err }
    defer sess.Close()
    return LoadOngoing(sess, h.layout), nil
}
