// descdemo runs a bare gossip member that advertises a cluster node id and
// prints the cluster descriptor derived from gossip whenever membership
// changes. Start a few with different -cid values to watch nodes become
// active, deactivating and inactive.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "strconv"
    "syscall"
    "time"

    "github.com/amirimatin/go-discovery/pkg/descriptor"
    "github.com/amirimatin/go-discovery/pkg/descriptor/gossip"
    "github.com/amirimatin/go-discovery/pkg/membership"
    ml "github.com/amirimatin/go-discovery/pkg/membership/memberlist"
    "github.com/amirimatin/go-discovery/pkg/seeds"
)

func main() {
    var (
        id        = flag.String("id", "node-1", "gossip node id")
        cid       = flag.Int("cid", 1, "numeric cluster node id to advertise")
        bind      = flag.String("bind", ":7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer cancel()

    meta := map[string]string{membership.MetaClusterNodeID: strconv.Itoa(*cid), membership.MetaInstanceID: *id}
    m, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log.Default(), Meta: meta})
    if err != nil { log.Fatal(err) }
    if err := m.Start(ctx); err != nil { log.Fatal(err) }
    defer func() { _ = m.Leave(); _ = m.Stop() }()

    if s := seeds.Split(*joinCSV); len(s) > 0 {
        if err := m.Join(s); err != nil { log.Printf("join error: %v", err) }
    }

    reader := descriptor.NewReader(gossip.New(m), log.Default())
    show := func() {
        rctx, rcancel := context.WithTimeout(ctx, time.Second)
        defer rcancel()
        d, err := reader.Read(rctx)
        if err != nil {
            fmt.Printf("descriptor unavailable: %v\n", err)
            return
        }
        fmt.Printf("descriptor: %s\n", d)
    }

    fmt.Println("descdemo started. Press Ctrl+C to exit.")
    show()
    evch := m.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            fmt.Printf("event: %-6s id=%s addr=%s at=%s\n", e.Type, e.Member.ID, e.Member.Addr, e.At.Format(time.RFC3339))
            show()
        }
    }
}
