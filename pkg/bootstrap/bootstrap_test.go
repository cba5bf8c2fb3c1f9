package bootstrap

import (
    "context"
    "encoding/json"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-discovery/pkg/cluster"
    "github.com/amirimatin/go-discovery/pkg/transport/httpjson"
)

const sample = `
instanceId: node-a
gossip:
  bind: 127.0.0.1:0
  clusterNodeId: 3
mgmt:
  addr: 127.0.0.1:0
  proto: grpc
seeds:
  kind: static
  list: [10.0.0.1:7946, 10.0.0.2:7946]
store:
  kind: raft
  bootstrap: true
discovery:
  heartbeatTimeoutSeconds: 60
  heartbeatIntervalSeconds: 15
  clusterSyncServiceTimeoutMillis: 5000
  clusterSyncServiceIntervalMillis: 500
  minEventDelaySeconds: 0
  syncTokenPath: /var/discovery/tokens
`

func TestParseYAML(t *testing.T) {
    cfg, err := Parse([]byte(sample))
    require.NoError(t, err)
    require.Equal(t, "node-a", cfg.InstanceID)
    require.Equal(t, 3, cfg.ClusterNodeID)
    require.Equal(t, "grpc", cfg.MgmtProto)
    require.Equal(t, "10.0.0.1:7946,10.0.0.2:7946", cfg.SeedsCSV)
    require.Equal(t, "raft", cfg.StoreKind)
    require.True(t, cfg.Bootstrap)
    d := cfg.Discovery
    require.Equal(t, 60*time.Second, d.HeartbeatTimeout)
    require.Equal(t, 15*time.Second, d.HeartbeatInterval)
    require.Equal(t, 5*time.Second, d.ClusterSyncTimeout)
    require.Equal(t, 500*time.Millisecond, d.ClusterSyncInterval)
    require.Less(t, d.MinEventDelay, time.Duration(0), "0 seconds disables the delay")
    require.Equal(t, "/var/discovery/tokens", d.SyncTokenPath)
    // untouched keys keep the defaults
    require.Equal(t, cluster.DefaultConfig().DescriptorCheckInterval, d.DescriptorCheckInterval)
}

func TestParseRejectsBadCombinations(t *testing.T) {
    _, err := Parse([]byte("mgmt: {proto: smtp}"))
    require.Error(t, err)
    _, err = Parse([]byte("store: {kind: raft}"))
    require.Error(t, err, "raft without management address")
    _, err = Parse([]byte("gossip: {clusterNodeId: 1}"))
    require.Error(t, err, "cluster node id without gossip")
    _, err = Parse([]byte("discovery: {heartbeatTimeoutSeconds: 10, heartbeatIntervalSeconds: 10}"))
    require.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
    _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
    require.Error(t, err)
}

func TestIdentityFileIsDurable(t *testing.T) {
    dir := t.TempDir()
    cfg := Default()
    cfg.DataDir = dir
    a, err := resolveInstanceID(cfg)
    require.NoError(t, err)
    b, err := resolveInstanceID(cfg)
    require.NoError(t, err)
    require.Equal(t, a, b)
    _, err = os.Stat(filepath.Join(dir, "identity.db"))
    require.NoError(t, err)
}

func freeAddr(t *testing.T) string {
    t.Helper()
    l, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer l.Close()
    return l.Addr().String()
}

func fastDiscovery() cluster.Config {
    return cluster.Config{
        HeartbeatInterval:   50 * time.Millisecond,
        HeartbeatTimeout:    500 * time.Millisecond,
        ClusterSyncTimeout:  2 * time.Second,
        ClusterSyncInterval: 20 * time.Millisecond,
        MinEventDelay:       -1,
    }
}

func TestRunSingleRaftNode(t *testing.T) {
    mgmt := freeAddr(t)
    cfg := Default()
    cfg.InstanceID = "solo"
    cfg.MgmtAddr = mgmt
    cfg.StoreKind = "raft"
    cfg.Bootstrap = true
    cfg.DataDir = t.TempDir()
    cfg.Discovery = fastDiscovery()

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    n, err := Run(ctx, cfg)
    require.NoError(t, err)
    defer n.Close()
    require.NotNil(t, n.RaftStore())

    client := httpjson.NewClient(time.Second)
    require.Eventually(t, func() bool {
        data, err := client.GetStatus(ctx, mgmt)
        if err != nil { return false }
        var st cluster.Status
        if json.Unmarshal(data, &st) != nil { return false }
        return st.Current && st.LeaderID == "solo" && st.StoreLeaderID == "solo"
    }, 15*time.Second, 50*time.Millisecond)
}
