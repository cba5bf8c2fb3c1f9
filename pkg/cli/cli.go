// Package cli provides the cobra commands of discoveryctl so services can
// mount them under their own root command.
package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/pflag"

    "github.com/amirimatin/go-discovery/pkg/bootstrap"
    "github.com/amirimatin/go-discovery/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-discovery/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-discovery/pkg/security/tlsconfig"
    "github.com/amirimatin/go-discovery/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-discovery/pkg/transport/grpc"
    "github.com/amirimatin/go-discovery/pkg/transport/httpjson"
)

// AddAll attaches the discovery subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewTopologyCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
}

// NewDiscoveryCommand returns a parent command "discovery" containing all
// subcommands.
func NewDiscoveryCommand() *cobra.Command {
    parent := &cobra.Command{Use: "discovery", Short: "topology discovery commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a discovery node. Flags
// override values read from --config.
func NewRunCmd() *cobra.Command {
    var (
        configFile, logLevel string
        logJSON, traceEnable bool
    )
    cfg := bootstrap.Default()
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a discovery node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if lvl, ok := logutil.ParseLevel(logLevel); ok { logutil.SetLevel(lvl) }
            if logJSON { logutil.SetJSON(true) }
            final := cfg
            if configFile != "" {
                fromFile, err := bootstrap.LoadFile(configFile)
                if err != nil { return err }
                final = overlay(fromFile, cfg, cmd.Flags())
            }
            final.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(final.Logger, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            n, err := bootstrap.Run(ctx, final)
            if err != nil { return err }
            defer n.Close()
            fmt.Fprintf(cmd.OutOrStdout(), "discovery instance %s running. Press Ctrl+C to exit.\n", n.InstanceID())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&configFile, "config", "", "YAML config file; flags given explicitly override it")
    f.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
    f.BoolVar(&logJSON, "log-json", false, "log one JSON object per line")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")

    f.StringVar(&cfg.InstanceID, "id", "", "instance id (default: durable id from the identity file)")
    f.StringVar(&cfg.IdentityFile, "identity-file", "", "bolt file holding the durable instance id")
    f.StringVar(&cfg.MemBind, "mem-bind", "", "gossip bind addr (host:port); empty disables gossip")
    f.StringVar(&cfg.MemAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    f.IntVar(&cfg.ClusterNodeID, "cluster-node-id", -1, "numeric storage cluster node id, gossiped as descriptor")
    f.StringVar(&cfg.DescriptorFile, "descriptor-file", "", "JSON cluster descriptor file")
    f.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    f.StringVar(&cfg.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.StringVar(&cfg.SeedKind, "seeds", "static", "seed provider: static|dns|file")
    f.StringVar(&cfg.SeedsCSV, "join", "", "comma-separated gossip seeds (host:port), used by --seeds=static")
    f.StringVar(&cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g. _gossip._tcp.example.com)")
    f.IntVar(&cfg.DNSPort, "dns-port", 7946, "port used for A/AAAA lookups")
    f.DurationVar(&cfg.SeedRefresh, "seed-refresh", 5*time.Second, "seed cache duration")
    f.StringVar(&cfg.SeedFile, "seed-file", "", "path or glob to a file with seeds (one per line or CSV)")
    f.StringVar(&cfg.SeedEnv, "seed-env", "", "env var with CSV seeds; overrides the file when set")
    f.StringVar(&cfg.StoreKind, "store", "memory", "shared store: memory|raft")
    f.StringVar(&cfg.RaftAddr, "raft-addr", "", "raft bind addr (tcp); empty uses an in-memory transport")
    f.StringVar(&cfg.RaftAdvertise, "raft-adv", "", "raft advertise addr")
    f.StringVar(&cfg.DataDir, "data", "", "data dir (identity, raft log and snapshots)")
    f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap a single-node raft store")
    f.StringVar(&cfg.JoinAddr, "raft-join", "", "management address of a member to join the raft store through")
    f.BoolVar(&cfg.TLSEnable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&cfg.TLSCert, "tls-cert", "", "path to node certificate (PEM)")
    f.StringVar(&cfg.TLSKey, "tls-key", "", "path to node private key (PEM)")
    f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&cfg.TLSServerName, "tls-server-name", "", "expected server name (for TLS validation)")

    d := &cfg.Discovery
    f.DurationVar(&d.HeartbeatInterval, "heartbeat-interval", d.HeartbeatInterval, "heartbeat interval")
    f.DurationVar(&d.HeartbeatTimeout, "heartbeat-timeout", d.HeartbeatTimeout, "heartbeat timeout")
    f.DurationVar(&d.VotingTimeout, "voting-timeout", 0, "voting timeout (default: heartbeat timeout)")
    f.DurationVar(&d.ClusterSyncTimeout, "sync-timeout", d.ClusterSyncTimeout, "sync barrier timeout")
    f.DurationVar(&d.ClusterSyncInterval, "sync-interval", d.ClusterSyncInterval, "sync barrier poll interval")
    f.DurationVar(&d.MinEventDelay, "min-event-delay", d.MinEventDelay, "minimum delay before TOPOLOGY_CHANGED; negative disables")
    f.StringVar(&d.RootPath, "root", d.RootPath, "store root path")
    f.StringVar(&d.LeaderElectionPrefix, "leader-prefix", d.LeaderElectionPrefix, "leader election prefix: 0 (default) or 1 (lose elections)")
    return cmd
}

// flagFields maps run flags to the Config fields they set, so explicitly
// given flags can be copied over a config file.
var flagFields = map[string]func(dst *bootstrap.Config, src bootstrap.Config){
    "id":                 func(d *bootstrap.Config, s bootstrap.Config) { d.InstanceID = s.InstanceID },
    "identity-file":      func(d *bootstrap.Config, s bootstrap.Config) { d.IdentityFile = s.IdentityFile },
    "mem-bind":           func(d *bootstrap.Config, s bootstrap.Config) { d.MemBind = s.MemBind },
    "mem-adv":            func(d *bootstrap.Config, s bootstrap.Config) { d.MemAdv = s.MemAdv },
    "cluster-node-id":    func(d *bootstrap.Config, s bootstrap.Config) { d.ClusterNodeID = s.ClusterNodeID },
    "descriptor-file":    func(d *bootstrap.Config, s bootstrap.Config) { d.DescriptorFile = s.DescriptorFile },
    "mgmt-addr":          func(d *bootstrap.Config, s bootstrap.Config) { d.MgmtAddr = s.MgmtAddr },
    "mgmt-proto":         func(d *bootstrap.Config, s bootstrap.Config) { d.MgmtProto = s.MgmtProto },
    "seeds":              func(d *bootstrap.Config, s bootstrap.Config) { d.SeedKind = s.SeedKind },
    "join":               func(d *bootstrap.Config, s bootstrap.Config) { d.SeedsCSV = s.SeedsCSV },
    "dns-names":          func(d *bootstrap.Config, s bootstrap.Config) { d.DNSNamesCSV = s.DNSNamesCSV },
    "dns-port":           func(d *bootstrap.Config, s bootstrap.Config) { d.DNSPort = s.DNSPort },
    "seed-refresh":       func(d *bootstrap.Config, s bootstrap.Config) { d.SeedRefresh = s.SeedRefresh },
    "seed-file":          func(d *bootstrap.Config, s bootstrap.Config) { d.SeedFile = s.SeedFile },
    "seed-env":           func(d *bootstrap.Config, s bootstrap.Config) { d.SeedEnv = s.SeedEnv },
    "store":              func(d *bootstrap.Config, s bootstrap.Config) { d.StoreKind = s.StoreKind },
    "raft-addr":          func(d *bootstrap.Config, s bootstrap.Config) { d.RaftAddr = s.RaftAddr },
    "raft-adv":           func(d *bootstrap.Config, s bootstrap.Config) { d.RaftAdvertise = s.RaftAdvertise },
    "data":               func(d *bootstrap.Config, s bootstrap.Config) { d.DataDir = s.DataDir },
    "bootstrap":          func(d *bootstrap.Config, s bootstrap.Config) { d.Bootstrap = s.Bootstrap },
    "raft-join":          func(d *bootstrap.Config, s bootstrap.Config) { d.JoinAddr = s.JoinAddr },
    "tls-enable":         func(d *bootstrap.Config, s bootstrap.Config) { d.TLSEnable = s.TLSEnable },
    "tls-ca":             func(d *bootstrap.Config, s bootstrap.Config) { d.TLSCA = s.TLSCA },
    "tls-cert":           func(d *bootstrap.Config, s bootstrap.Config) { d.TLSCert = s.TLSCert },
    "tls-key":            func(d *bootstrap.Config, s bootstrap.Config) { d.TLSKey = s.TLSKey },
    "tls-skip-verify":    func(d *bootstrap.Config, s bootstrap.Config) { d.TLSSkipVerify = s.TLSSkipVerify },
    "tls-server-name":    func(d *bootstrap.Config, s bootstrap.Config) { d.TLSServerName = s.TLSServerName },
    "heartbeat-interval": func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.HeartbeatInterval = s.Discovery.HeartbeatInterval },
    "heartbeat-timeout":  func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.HeartbeatTimeout = s.Discovery.HeartbeatTimeout },
    "voting-timeout":     func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.VotingTimeout = s.Discovery.VotingTimeout },
    "sync-timeout":       func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.ClusterSyncTimeout = s.Discovery.ClusterSyncTimeout },
    "sync-interval":      func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.ClusterSyncInterval = s.Discovery.ClusterSyncInterval },
    "min-event-delay":    func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.MinEventDelay = s.Discovery.MinEventDelay },
    "root":               func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.RootPath = s.Discovery.RootPath },
    "leader-prefix":      func(d *bootstrap.Config, s bootstrap.Config) { d.Discovery.LeaderElectionPrefix = s.Discovery.LeaderElectionPrefix },
}

// overlay copies the explicitly set flags from flagCfg onto fileCfg.
func overlay(fileCfg, flagCfg bootstrap.Config, fs *pflag.FlagSet) bootstrap.Config {
    fs.Visit(func(f *pflag.Flag) {
        if set, ok := flagFields[f.Name]; ok { set(&fileCfg, flagCfg) }
    })
    return fileCfg
}

// clientFlags are shared by the commands that call a running node.
type clientFlags struct {
    addr, proto                            string
    timeout                                time.Duration
    tlsEnable, tlsSkip                     bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (c *clientFlags) register(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    f.StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&c.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tlsKey, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (transport.RPCClient, func(), error) {
    var cliTLS *tls.Config
    if c.tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: c.tlsCA, CertFile: c.tlsCert, KeyFile: c.tlsKey, InsecureSkipVerify: c.tlsSkip, ServerName: c.tlsServerName}
        var err error
        if cliTLS, err = topts.Client(); err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch c.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, cli.Close, nil
    case "http", "":
        cli := httpjson.NewClient(c.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, func() {}, nil
    default:
        return nil, nil, fmt.Errorf("unknown management protocol %q", c.proto)
    }
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch the status of a node as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            return fetch(cmd, &cf, transport.RPCClient.GetStatus, "status")
        },
    }
    cf.register(cmd)
    return cmd
}

// NewTopologyCmd returns the "topology" command.
func NewTopologyCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "topology",
        Short: "Fetch the topology view of a node as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            return fetch(cmd, &cf, transport.RPCClient.GetTopology, "topology")
        },
    }
    cf.register(cmd)
    return cmd
}

func fetch(cmd *cobra.Command, cf *clientFlags, get func(transport.RPCClient, context.Context, string) ([]byte, error), what string) error {
    client, done, err := cf.client()
    if err != nil { return err }
    defer done()
    ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
    defer cancel()
    data, err := get(client, ctx, cf.addr)
    if err != nil { return fmt.Errorf("%s error: %w", what, err) }
    return writeLine(cmd.OutOrStdout(), data)
}

// NewJoinCmd returns the "join" command which adds a raft voter.
func NewJoinCmd() *cobra.Command {
    var (
        cf           clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Ask the raft store leader to add a voter",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            client, done, err := cf.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
            defer cancel()
            resp, err := client.PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "instance id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "raft address of the instance (host:port, required)")
    cf.register(cmd)
    return cmd
}

// NewLeaveCmd returns the "leave" command which removes a raft voter.
func NewLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Ask the raft store leader to remove a voter",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            client, done, err := cf.client()
            if err != nil { return err }
            defer done()
            ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
            defer cancel()
            resp, err := client.PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "instance id to remove (required)")
    cf.register(cmd)
    return cmd
}

func writeLine(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := w.Write([]byte("\n"))
        return err
    }
    return nil
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
