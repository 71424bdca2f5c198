package launcher

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/qmp"
	"github.com/colodha/colod/tmplset"
)

const (
	// qmpConnectAttempts and qmpConnectInterval mirror
	// qemu_launcher_launch_co's "try for 100 * 100ms" reconnect loop:
	// QEMU needs a moment after spawning to create qmp.sock and
	// qmp-yank.sock.
	qmpConnectAttempts = 100
	qmpConnectInterval = 100 * time.Millisecond
)

// Spawner starts a QEMU (or qemu-img-probe) process and returns a
// handle to it. Production code uses Spawn; tests inject a fake that
// never touches os/exec.
type Spawner func(argv []string, log *colodlog.Logger) (Process, error)

// Options configures a Launcher.
type Options struct {
	BaseDir string

	// InstanceName names the two qcow2 overlay images a secondary
	// launch creates (<instance_name>-active.qcow2/-hidden.qcow2,
	// formater.c's convention), keeping two colod instances sharing a
	// base_dir from colliding — not itself a template placeholder.
	InstanceName string

	Formatter *tmplset.Formatter
	Templates *tmplset.Set

	// Bindings are the operator-supplied template values that don't
	// change between launches (@@ADDRESS@@, @@QEMU_BINARY@@,
	// @@QEMU_IMG_BINARY@@, the port placeholders, and so on). Launch
	// overlays the sockets and, for a secondary, the disk-image
	// bindings it computes itself.
	Bindings map[string]jsonval.Value

	// YankInstances seeds the qmp.Client dialed for each launch
	// (spec.md §9); set-yank updates the coordinator's copy, not this
	// one, since a freshly-launched instance always starts from the
	// daemon's last-known filter.
	YankInstances []jsonval.Value

	QMPTimeout time.Duration

	// ConnectInterval overrides qmpConnectInterval; zero keeps the
	// default. Only tests shrink this.
	ConnectInterval time.Duration

	Spawn Spawner
	Log   *colodlog.Logger
}

// Launcher owns the lifecycle of exactly one QEMU instance at a time:
// launch it (primary or secondary), wait on it, kill it. A fresh
// Launcher is used for each instance; it is not reused across a
// failover.
type Launcher struct {
	baseDir      string
	instanceName string
	formatter    *tmplset.Formatter
	templates *tmplset.Set
	bindings  map[string]jsonval.Value
	yank      []jsonval.Value
	qmpTO     time.Duration
	interval  time.Duration
	spawn     Spawner
	log       *colodlog.Logger

	mu       sync.Mutex
	diskSize string
	proc     Process
}

// New builds a Launcher. opts.Spawn defaults to Spawn (real os/exec).
func New(opts Options) *Launcher {
	log := opts.Log
	if log == nil {
		log = colodlog.Discard()
	}

	spawn := opts.Spawn
	if spawn == nil {
		spawn = Spawn
	}

	interval := opts.ConnectInterval
	if interval <= 0 {
		interval = qmpConnectInterval
	}

	return &Launcher{
		baseDir:      opts.BaseDir,
		instanceName: opts.InstanceName,
		formatter:    opts.Formatter,
		templates:    opts.Templates,
		bindings:     opts.Bindings,
		yank:         opts.YankInstances,
		qmpTO:        opts.QMPTimeout,
		interval:     interval,
		spawn:        spawn,
		log:          log.Scoped("launcher", nil),
	}
}

func (l *Launcher) qmpSockPath() string     { return filepath.Join(l.baseDir, "qmp.sock") }
func (l *Launcher) qmpYankSockPath() string { return filepath.Join(l.baseDir, "qmp-yank.sock") }

// LaunchPrimary formats qemu_primary_args, starts QEMU and returns its
// QMP client once both sockets answer. No prepare sequence runs here;
// spec.md's set-prepare-secondary family has no primary-side
// counterpart, so a primary instance is ready to serve as soon as QMP
// is up.
func (l *Launcher) LaunchPrimary(ctx context.Context) (*qmp.Client, error) {
	argv, err := l.formatArgs(l.templates.QEMUPrimaryArgs, nil)
	if err != nil {
		return nil, fmt.Errorf("launcher: formatting qemu_primary_args: %w", err)
	}

	cl, _, err := l.launch(ctx, argv, true)
	return cl, err
}

// LaunchSecondary probes (or reuses a cached) disk size, creates the
// two qcow2 overlay images COLO's secondary mode needs, then formats
// qemu_secondary_args and starts QEMU.
func (l *Launcher) LaunchSecondary(ctx context.Context) (*qmp.Client, error) {
	diskSize, err := l.ensureDiskSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("launcher: probing disk size: %w", err)
	}

	activeImage := filepath.Join(l.baseDir, l.instanceName+"-active.qcow2")
	hiddenImage := filepath.Join(l.baseDir, l.instanceName+"-hidden.qcow2")

	qemuImg := jsonval.String(l.bindings["qemu_img_binary"])

	if err := createQcow2(ctx, qemuImg, activeImage, diskSize); err != nil {
		return nil, fmt.Errorf("launcher: creating active image: %w", err)
	}

	if err := createQcow2(ctx, qemuImg, hiddenImage, diskSize); err != nil {
		return nil, fmt.Errorf("launcher: creating hidden image: %w", err)
	}

	argv, err := l.formatArgs(l.templates.QEMUSecondaryArgs, map[string]jsonval.Value{
		"active_image": activeImage,
		"hidden_image": hiddenImage,
		"disk_size":    diskSize,
	})
	if err != nil {
		return nil, fmt.Errorf("launcher: formatting qemu_secondary_args: %w", err)
	}

	cl, _, err := l.launch(ctx, argv, true)
	return cl, err
}

// Kill sends SIGKILL to the current instance, if any is running.
func (l *Launcher) Kill() error {
	l.mu.Lock()
	proc := l.proc
	l.mu.Unlock()

	if proc == nil {
		return nil
	}

	return proc.Kill()
}

// Wait blocks until the current instance has exited.
func (l *Launcher) Wait(ctx context.Context) error {
	l.mu.Lock()
	proc := l.proc
	l.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("launcher: no instance running")
	}

	return proc.Wait(ctx)
}

// SetDiskSize overrides the cached probed disk size (qemu_launcher_
// set_disk_size), letting an operator skip the probe launch entirely.
func (l *Launcher) SetDiskSize(size string) {
	l.mu.Lock()
	l.diskSize = size
	l.mu.Unlock()
}

func (l *Launcher) formatArgs(seq tmplset.Sequence, extra map[string]jsonval.Value) ([]string, error) {
	bindings := make(map[string]jsonval.Value, len(l.bindings)+len(extra)+2)
	for k, v := range l.bindings {
		bindings[k] = v
	}

	for k, v := range extra {
		bindings[k] = v
	}

	bindings["qmp_sock"] = l.qmpSockPath()
	bindings["qmp_yank_sock"] = l.qmpYankSockPath()

	return l.formatter.Format(seq, bindings)
}

// launch spawns argv and, if connect is set, blocks until QMP answers
// on both sockets. The probe launch (ensureDiskSize) also goes through
// here with connect=true; only the returned *qmp.Client differs in how
// its caller uses it.
func (l *Launcher) launch(ctx context.Context, argv []string, connect bool) (*qmp.Client, Process, error) {
	proc, err := l.spawn(argv, l.log)
	if err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	l.proc = proc
	l.mu.Unlock()

	if !connect {
		return nil, proc, nil
	}

	cl, err := l.connectQMP(ctx, proc)
	if err != nil {
		return nil, proc, err
	}

	return cl, proc, nil
}

// connectQMP is qemu_launcher_launch_co's retry loop: QEMU needs a
// moment to create its listening sockets, so failing to dial isn't
// fatal until the attempt budget runs out. A process that exits before
// that ends the loop early rather than burning the rest of the budget.
func (l *Launcher) connectQMP(ctx context.Context, proc Process) (*qmp.Client, error) {
	for attempt := 0; attempt < qmpConnectAttempts; attempt++ {
		select {
		case <-proc.Done():
			return nil, fmt.Errorf("launcher: qemu exited before qmp came up: %w", proc.Wait(ctx))
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}

		cl, err := dialQMP(ctx, l.qmpSockPath(), l.qmpYankSockPath(), qmp.Options{
			Timeout:       l.qmpTO,
			YankInstances: l.yank,
			Log:           l.log,
		})
		if err != nil {
			continue
		}

		return cl, nil
	}

	_ = proc.Kill()
	_ = proc.Wait(context.Background())

	return nil, fmt.Errorf("launcher: timed out connecting to qmp after %d attempts", qmpConnectAttempts)
}

// ensureDiskSize returns the cached disk size, probing it with a
// throwaway instance on first use (get_disk_size/qemu_launcher_disk_
// size_co). The probe launches with the primary sequence since
// spec.md's template set has no separate "dummy" sequence; it only
// needs to come up far enough to answer query-named-block-nodes.
func (l *Launcher) ensureDiskSize(ctx context.Context) (string, error) {
	l.mu.Lock()
	cached := l.diskSize
	l.mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	argv, err := l.formatArgs(l.templates.QEMUPrimaryArgs, nil)
	if err != nil {
		return "", fmt.Errorf("formatting probe instance args: %w", err)
	}

	cl, proc, err := l.launch(ctx, argv, true)
	if err != nil {
		return "", fmt.Errorf("launching probe instance: %w", err)
	}
	defer cl.Close()

	res, err := cl.Execute(ctx, "query-named-block-nodes", map[string]jsonval.Value{"flat": true})
	if err != nil {
		return "", fmt.Errorf("query-named-block-nodes: %w", err)
	}

	size, err := parentDiskSize(res.Value)
	if err != nil {
		return "", err
	}

	if _, err := cl.Execute(ctx, "quit", nil); err != nil {
		return "", fmt.Errorf("quitting probe instance: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := proc.Wait(waitCtx); err != nil {
		return "", fmt.Errorf("waiting for probe instance to exit: %w", err)
	}

	l.mu.Lock()
	l.diskSize = size
	l.mu.Unlock()

	return size, nil
}

// parentDiskSize finds the "parent0" node-name entry in a
// query-named-block-nodes reply and returns its image's virtual-size
// as a decimal string, matching get_disk_size's g_strdup_printf("%lu").
func parentDiskSize(v jsonval.Value) (string, error) {
	ret, _ := jsonval.Field(v, "return")

	arr, ok := ret.([]jsonval.Value)
	if !ok {
		return "", fmt.Errorf("launcher: query-named-block-nodes reply has no \"return\" array")
	}

	for _, node := range arr {
		name, ok := jsonval.Field(node, "node-name")
		if !ok || jsonval.String(name) != "parent0" {
			continue
		}

		image, ok := jsonval.Field(node, "image")
		if !ok {
			continue
		}

		size, ok := jsonval.Field(image, "virtual-size")
		if !ok {
			continue
		}

		return fmt.Sprintf("%.0f", toFloat(size)), nil
	}

	return "", fmt.Errorf("launcher: disk %q not found", "parent0")
}

func toFloat(v jsonval.Value) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// createQcow2 runs "qemu-img create -q -f qcow2 path size" (the two
// calls _qemu_launcher_launch_secondary makes before starting the
// secondary instance), synchronously.
func createQcow2(ctx context.Context, binary, path, size string) error {
	cmd := exec.CommandContext(ctx, binary, "create", "-q", "-f", "qcow2", path, size)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", binary, err, out)
	}

	return nil
}

// dialQMP dials both QMP sockets and hands them to qmp.Dial, closing
// whatever it opened if any step fails.
func dialQMP(ctx context.Context, mainPath, yankPath string, opts qmp.Options) (*qmp.Client, error) {
	mainConn, err := net.Dial("unix", mainPath)
	if err != nil {
		return nil, err
	}

	yankConn, err := net.Dial("unix", yankPath)
	if err != nil {
		mainConn.Close()
		return nil, err
	}

	cl, err := qmp.Dial(ctx, mainConn, yankConn, opts)
	if err != nil {
		mainConn.Close()
		yankConn.Close()
		return nil, err
	}

	return cl, nil
}
