// Command colod is the per-node control-plane daemon that supervises
// one QEMU instance through COLO's replication lifecycle (spec.md
// §1-§2): it attaches to (or launches) QEMU over QMP, joins a
// two-node cluster group with its peer, runs the coordinator state
// machine, and serves the operator control socket.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

type cmdGlobal struct {
	flagHelp    bool
	flagVersion bool
}

func main() {
	daemonCmd := cmdDaemon{}
	app := daemonCmd.command()
	app.Use = "colod"
	app.Short = "QEMU COLO control-plane daemon"
	app.Long = `Description:
  colod drives one QEMU instance through COLO's live-migration and
  lock-stepping lifecycle, observes its peer over a cluster group
  channel, and arbitrates failover between the two.
`
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	global := cmdGlobal{}
	app.PersistentFlags().BoolVarP(&global.flagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().BoolVar(&global.flagVersion, "version", false, "Print version number")

	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = "0.1.0"

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
