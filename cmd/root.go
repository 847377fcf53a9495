package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Injected at build time, e.g.
// go build -ldflags "-X github.com/adamgarcia4/gmcast/cmd.version=v0.2.0 \
//   -X github.com/adamgarcia4/gmcast/cmd.gitSHA=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	gitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gmcast",
	Short: "GMCast group multicast membership transport",
	Long: `GMCast maintains a TCP mesh between nodes sharing a group name:
it handshakes peer identities, gossips topology until every node knows the
full live set, and fans user datagrams out to all established peers.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
