package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colodha/colod/colodapi"
)

// cmdStatus implements "colodctl status" (query-status).
type cmdStatus struct {
	global *cmdGlobal

	flagFormat string
}

func (c cmdStatus) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this node's primary/replication/failed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args)
		},
	}
	cmd.Flags().StringVar(&c.flagFormat, "format", "table", `Output format, "table" or "json"`)

	return cmd
}

func (c cmdStatus) run(cmd *cobra.Command, args []string) error {
	cl, err := dial(c.global.sockPath())
	if err != nil {
		return err
	}
	defer cl.Close()

	raw, err := cl.send(colodapi.Request{ExecColod: "query-status"})
	if err != nil {
		return err
	}

	if c.flagFormat == "json" {
		return printRaw(raw)
	}

	return renderStatus(raw)
}

// cmdPeer implements "colodctl peer query|set|clear".
type cmdPeer struct {
	global *cmdGlobal
}

func (c cmdPeer) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Query or change the configured peer",
	}

	cmd.AddCommand(c.queryCommand(), c.setCommand(), c.clearCommand())

	return cmd
}

func (c cmdPeer) queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Show the peer's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dial(c.global.sockPath())
			if err != nil {
				return err
			}
			defer cl.Close()

			raw, err := cl.send(colodapi.Request{ExecColod: "query-peer"})
			if err != nil {
				return err
			}

			return renderPeer(raw)
		},
	}
}

func (c cmdPeer) setCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Configure the peer by node name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := dial(c.global.sockPath())
			if err != nil {
				return err
			}
			defer cl.Close()

			raw, err := cl.send(colodapi.Request{ExecColod: "set-peer", Peer: args[0]})
			if err != nil {
				return err
			}

			return renderPeer(raw)
		},
	}
}

func (c cmdPeer) clearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the configured peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.global.runEmpty("clear-peer")
		},
	}
}

// cmdStore implements "colodctl store get|set" (the opaque client
// blob, spec.md §4.8's query-store/set-store).
type cmdStore struct {
	global *cmdGlobal
}

func (c cmdStore) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read or replace the opaque client-store blob",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current store contents as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := dial(c.global.sockPath())
				if err != nil {
					return err
				}
				defer cl.Close()

				raw, err := cl.send(colodapi.Request{ExecColod: "query-store"})
				if err != nil {
					return err
				}

				return printRaw(raw)
			},
		},
		&cobra.Command{
			Use:   "set <json>",
			Short: "Replace the store contents with a JSON value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var v any
				if err := json.Unmarshal([]byte(args[0]), &v); err != nil {
					return fmt.Errorf("colodctl: %q is not valid JSON: %w", args[0], err)
				}

				return c.global.runEmptyReq(colodapi.Request{ExecColod: "set-store", Store: v})
			},
		},
	)

	return cmd
}

// cmdLifecycle implements the daemon lifecycle and replication
// commands that don't need their own flags: start-migration, stop,
// cont, quit, autoquit, yank.
type cmdLifecycle struct {
	global *cmdGlobal
}

func (c cmdLifecycle) command() *cobra.Command {
	root := &cobra.Command{Use: "lifecycle", Short: "Drive the daemon's replication and shutdown lifecycle"}

	for _, name := range []string{"start-migration", "stop", "cont", "quit", "autoquit", "yank"} {
		name := name
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: "Send exec-colod " + name,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.global.runEmpty(name)
			},
		})
	}

	return root
}

// cmdTemplate implements the five set-* template-installation
// commands, reading the replacement sequence from a file, one
// formatter template string per line.
type cmdTemplate struct {
	global *cmdGlobal
}

func (c cmdTemplate) command() *cobra.Command {
	root := &cobra.Command{Use: "template", Short: "Install a new named command-template sequence"}

	names := map[string]string{
		"prepare-secondary":    "set-prepare-secondary",
		"migration-start":      "set-migration-start",
		"migration-switchover": "set-migration-switchover",
		"primary-failover":     "set-primary-failover",
		"secondary-failover":   "set-secondary-failover",
	}

	for use, execColod := range names {
		use, execColod := use, execColod
		root.AddCommand(&cobra.Command{
			Use:   use + " <file>",
			Short: "Install " + use + " from a file, one template line per sequence step",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				lines, err := readLines(args[0])
				if err != nil {
					return err
				}

				return c.global.runEmptyReq(colodapi.Request{ExecColod: execColod, Sequence: lines})
			},
		})
	}

	return root
}

// cmdExec implements "colodctl exec <qmp-command> [json-args]", the
// passthrough path (spec.md §4.8: any request without "exec-colod" is
// forwarded verbatim to QMP).
type cmdExec struct {
	global *cmdGlobal
}

func (c cmdExec) command() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <qmp-command> [json-args]",
		Short: "Forward a raw QMP command, bypassing colod's own command table",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"execute": args[0]}

			if len(args) == 2 {
				var v any
				if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
					return fmt.Errorf("colodctl: %q is not valid JSON: %w", args[1], err)
				}

				req["arguments"] = v
			}

			line, err := json.Marshal(req)
			if err != nil {
				return err
			}

			cl, err := dial(c.global.sockPath())
			if err != nil {
				return err
			}
			defer cl.Close()

			raw, err := cl.sendRaw(line)
			if err != nil {
				return err
			}

			return printRaw(raw)
		},
	}
}

// runEmpty sends execColod with no extra fields and prints nothing on
// success, matching the `{}` responses most lifecycle commands return.
func (g *cmdGlobal) runEmpty(execColod string) error {
	return g.runEmptyReq(colodapi.Request{ExecColod: execColod})
}

func (g *cmdGlobal) runEmptyReq(req colodapi.Request) error {
	cl, err := dial(g.sockPath())
	if err != nil {
		return err
	}
	defer cl.Close()

	_, err = cl.send(req)
	return err
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("colodctl: reading %s: %w", path, err)
	}

	var lines []string
	for _, line := range splitNonEmptyLines(string(data)) {
		lines = append(lines, line)
	}

	return lines, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}

	return out
}
