package main

import (
    "log"

    "github.com/spf13/cobra"

    discoverycli "github.com/amirimatin/go-discovery/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "discoveryctl",
        Short:         "go-discovery topology discovery CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all discovery commands from pkg/cli for reuse in services
    discoverycli.AddAll(root)
    return root
}
