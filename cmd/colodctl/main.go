// Command colodctl is the operator CLI for colod's control socket
// (spec.md §4.8, §6): "exec-colod" commands grouped into subcommand
// families (status, peer, store, lifecycle, template) plus exec for
// QMP pass-through, talking newline-delimited JSON over
// <base_dir>/colod.sock.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

type cmdGlobal struct {
	flagBaseDir string
}

func (g *cmdGlobal) sockPath() string {
	return filepath.Join(g.flagBaseDir, "colod.sock")
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "colodctl",
		Short: "Operator CLI for the colod control-plane daemon",
		Long: `Description:
  colodctl talks to a running colod instance over its control socket,
  for the same commands an automation tool would send (query-status,
  start-migration, set-peer, and so on).
`,
		SilenceUsage: true,
	}
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	app.PersistentFlags().StringVar(&global.flagBaseDir, "base_directory", "", "Directory holding the daemon's control socket")

	app.AddCommand(
		cmdStatus{global: global}.command(),
		cmdPeer{global: global}.command(),
		cmdStore{global: global}.command(),
		cmdLifecycle{global: global}.command(),
		cmdTemplate{global: global}.command(),
		cmdExec{global: global}.command(),
	)

	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = "0.1.0"

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
