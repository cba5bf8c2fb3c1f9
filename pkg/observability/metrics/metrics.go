package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_discovery"

var (
    once sync.Once

    Members = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "members_total",
        Help:      "Number of instances in the last current topology view",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if the local instance leads the current view, else 0",
    })

    HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "issued_total",
        Help:      "Heartbeat writes by result",
    }, []string{"result"})

    ViewChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "view_checks_total",
        Help:      "checkView outcomes (ok, pending, voting, error)",
    }, []string{"outcome"})

    DuplicateInstances = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "heartbeat",
        Name:      "duplicate_instance_total",
        Help:      "Times another process was detected writing this instance's heartbeat",
    })

    VotingsStarted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "voting",
        Name:      "started_total",
        Help:      "Ballots initiated by this instance",
    })

    Votes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "voting",
        Name:      "votes_total",
        Help:      "Votes cast by this instance",
    }, []string{"vote"})

    VotingsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "voting",
        Name:      "promoted_total",
        Help:      "Winning ballots promoted to established view by this instance",
    })

    VotingsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "voting",
        Name:      "timedout_total",
        Help:      "Ballots removed after the voting timeout",
    })

    SyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "sync",
        Name:      "total",
        Help:      "Cluster sync barrier completions by result (ok, timeout, cancelled)",
    }, []string{"service", "result"})

    SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "sync",
        Name:      "duration_seconds",
        Help:      "Time from sync start to completion",
        Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
    }, []string{"service"})

    TopologyEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "topology",
        Name:      "events_total",
        Help:      "Topology events enqueued for listeners by type",
    }, []string{"type"})

    IDMapLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "idmap",
        Name:      "lookups_total",
        Help:      "Id map lookups by cache result (hit, miss, unmapped)",
    }, []string{"result"})

    StoreConflicts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "store",
        Name:      "conflicts_total",
        Help:      "Optimistic commit conflicts observed by this process",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raftstore",
        Name:      "join_requests_total",
        Help:      "Raft voter join requests handled by this node",
    }, []string{"result"})

    RaftLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "raftstore",
        Name:      "is_leader",
        Help:      "1 if this node is the raft leader of the replicated store",
    })

    CommitsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raftstore",
        Name:      "forwarded_commits_total",
        Help:      "Store transactions a follower forwarded to the raft leader, by result",
    }, []string{"result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc",
        Name:      "conn_dials_total",
        Help:      "Management gRPC client connections dialed",
    })

    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc",
        Name:      "conn_active",
        Help:      "Cached management gRPC client connections",
    })

    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc",
        Name:      "conn_evictions_total",
        Help:      "Idle management gRPC client connections closed",
    })

    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc",
        Name:      "conn_reuse_total",
        Help:      "Dials discarded in favour of a concurrently cached connection",
    })

    RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "mgmt",
        Name:      "requests_total",
        Help:      "Management requests served by method and result",
    }, []string{"method", "result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            Members,
            IsLeader,
            HeartbeatsTotal,
            ViewChecks,
            DuplicateInstances,
            VotingsStarted,
            Votes,
            VotingsPromoted,
            VotingsTimedOut,
            SyncTotal,
            SyncDuration,
            TopologyEvents,
            IDMapLookups,
            StoreConflicts,
            JoinRequests,
            RaftLeader,
            CommitsForwarded,
            GRPCConnDials,
            GRPCConnActive,
            GRPCConnEvictions,
            GRPCConnReuse,
            RPCRequests,
        )
    })
}
