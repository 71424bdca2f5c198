package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/colodha/colod/clustermsg"
	"github.com/colodha/colod/colodconfig"
	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/coordinator"
	"github.com/colodha/colod/ctldispatch"
	"github.com/colodha/colod/ectx"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/launcher"
	"github.com/colodha/colod/peer"
	"github.com/colodha/colod/qmp"
	"github.com/colodha/colod/sched"
	"github.com/colodha/colod/tmplset"
)

// cmdDaemon wires the whole daemon together: its fields are the
// flags colodconfig.ParseArgs and the rest of the assembly need,
// mirroring lxd-user/main_daemon.go's flags-on-the-command-struct
// style.
type cmdDaemon struct {
	flagBaseDir  string
	flagTrace    bool
	flagPrimary  bool
	flagListen   string
	flagPeerAddr string
	flagPeer     string
	flagBindings []string

	flagQMPTimeout   time.Duration
	flagTimeoutLow   time.Duration
	flagTimeoutHigh  time.Duration
	flagConnectRetry time.Duration
}

func (c *cmdDaemon) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "colod <node_name> <instance_name> <qmp_unix_socket>"
	cmd.Args = cobra.ExactArgs(3)
	cmd.RunE = c.run

	cmd.Flags().StringVar(&c.flagBaseDir, "base_directory", "", "Directory holding the control socket, QMP sockets, pidfile and logs")
	cmd.Flags().BoolVar(&c.flagTrace, "trace", false, "Enable the trace file and debug logging")
	cmd.Flags().BoolVar(&c.flagPrimary, "primary", false, "Start in primary role instead of secondary")
	cmd.Flags().StringVar(&c.flagListen, "listen-addr", "", "host:port this node accepts its peer's cluster group connection on")
	cmd.Flags().StringVar(&c.flagPeerAddr, "peer-addr", "", "host:port of the peer's cluster group listener")
	cmd.Flags().StringVar(&c.flagPeer, "peer", "", "Peer's node name, usable immediately instead of waiting for set-peer")
	cmd.Flags().StringArrayVar(&c.flagBindings, "binding", nil, "Template binding key=value (e.g. qemu_binary=/usr/bin/qemu-system-x86_64), repeatable")
	cmd.Flags().DurationVar(&c.flagQMPTimeout, "qmp-timeout", 60*time.Second, "QMP command round-trip timeout")
	cmd.Flags().DurationVar(&c.flagTimeoutLow, "timeout-low", 5*time.Second, "QMP command timeout restored after a migration transition")
	cmd.Flags().DurationVar(&c.flagTimeoutHigh, "timeout-high", 10*time.Second, "QMP command timeout while a migration transition is in progress")
	cmd.Flags().DurationVar(&c.flagConnectRetry, "qmp-connect-interval", 0, "Interval between QMP reconnect attempts after launching QEMU (0 keeps the built-in default)")

	return cmd
}

func (c *cmdDaemon) run(cmd *cobra.Command, args []string) error {
	cfg, err := colodconfig.ParseArgs(args, c.flagBaseDir, c.flagTrace)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("colod: opening log file: %w", err)
	}
	defer logFile.Close()

	log := colodlog.New(logFile, "colod", cfg.NodeName)

	if cfg.Trace {
		traceFile, err := os.OpenFile(cfg.TraceFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("colod: opening trace file: %w", err)
		}
		defer traceFile.Close()

		log.EnableTrace(traceFile)

		ectx.DebugAssertUnchecked = true
	}

	if err := writePidFile(cfg.PidFile()); err != nil {
		return fmt.Errorf("colod: writing pidfile: %w", err)
	}
	defer os.Remove(cfg.PidFile())

	bindings, err := parseBindings(c.flagBindings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	qmpc, err := attachOrLaunch(ctx, cfg, bindings, c, log)
	if err != nil {
		return fmt.Errorf("colod: acquiring QEMU QMP connection: %w", err)
	}
	defer qmpc.Close()

	loop := sched.New()
	go loop.Run(ctx)

	var peerMgr *peer.Manager
	var group *clustermsg.Group

	if c.flagListen != "" && c.flagPeerAddr != "" {
		peerMgr = peer.New(loop, cfg.NodeName, c.flagPeer, log)
	}

	coord := coordinator.New(coordinator.Options{
		Loop:        loop,
		QMP:         qmpc,
		Peer:        peerMgr,
		Formatter:   tmplset.NewFormatter(),
		Templates:   &tmplset.Set{},
		Log:         log,
		Primary:     c.flagPrimary,
		TimeoutLow:  c.flagTimeoutLow,
		TimeoutHigh: c.flagTimeoutHigh,
	})

	if peerMgr != nil {
		group, err = clustermsg.Join(clustermsg.Options{
			SelfID:     cfg.NodeName,
			PeerID:     c.flagPeer,
			ListenAddr: c.flagListen,
			PeerAddr:   c.flagPeerAddr,
			Log:        log,
		}, coord.Callbacks())
		if err != nil {
			return fmt.Errorf("colod: joining cluster group: %w", err)
		}
		defer group.Close()

		coord.SetGroup(group)
	}

	srv, err := ctldispatch.Listen("unix", cfg.ControlSocket(), coord, log)
	if err != nil {
		return fmt.Errorf("colod: starting control socket: %w", err)
	}
	defer srv.Close()

	log.Info("colod started", colodlog.Ctx{"primary": c.flagPrimary, "control_socket": cfg.ControlSocket()})

	return coord.Run(ctx)
}

// attachOrLaunch dials the already-running QEMU instance named by
// cfg.QMPSocket (daemon.c's colod_open_qmp attach path). If nothing is
// listening yet it falls back to launching a fresh QEMU with
// launcher (native_qemulauncher.c's launch_primary/launch_secondary,
// the "there is a QMP socket to connect to at all" case).
func attachOrLaunch(ctx context.Context, cfg colodconfig.Config, bindings map[string]jsonval.Value, c *cmdDaemon, log *colodlog.Logger) (*qmp.Client, error) {
	mainConn, err := net.Dial("unix", cfg.QMPSocket)
	if err == nil {
		yankConn, yankErr := net.Dial("unix", cfg.QMPYankSocket())
		if yankErr != nil {
			mainConn.Close()
			return nil, fmt.Errorf("dialing yank channel %s: %w", cfg.QMPYankSocket(), yankErr)
		}

		return qmp.Dial(ctx, mainConn, yankConn, qmp.Options{
			Timeout: c.flagQMPTimeout,
			Log:     log,
		})
	}

	l := launcher.New(launcher.Options{
		BaseDir:         cfg.BaseDir,
		InstanceName:    cfg.InstanceName,
		Formatter:       tmplset.NewFormatter(),
		Templates:       &tmplset.Set{},
		Bindings:        bindings,
		QMPTimeout:      c.flagQMPTimeout,
		ConnectInterval: c.flagConnectRetry,
		Log:             log,
	})

	if c.flagPrimary {
		return l.LaunchPrimary(ctx)
	}

	return l.LaunchSecondary(ctx)
}

func parseBindings(raw []string) (map[string]jsonval.Value, error) {
	out := make(map[string]jsonval.Value, len(raw))

	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("colod: --binding %q must be key=value", kv)
		}

		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = n
			continue
		}

		if b, err := strconv.ParseBool(value); err == nil {
			out[key] = b
			continue
		}

		out[key] = value
	}

	return out, nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
