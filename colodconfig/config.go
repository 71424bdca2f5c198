// Package colodconfig resolves the daemon's command-line surface
// (spec.md §6) into a Config and the handful of paths derived from it,
// and validates the one value spec.md calls out as having its own
// constraint: the instance name a cluster group is opened under.
package colodconfig

import "path/filepath"

// Config is cmd/colod's resolved command-line configuration: the four
// positional arguments of spec.md §6 ("Command-line surface") plus the
// --trace flag.
type Config struct {
	// NodeName identifies this node in log lines and peer messages.
	NodeName string

	// InstanceName names the cluster group (spec.md §6: "named with the
	// configured instance name"); see ValidateInstanceName.
	InstanceName string

	// BaseDir is where every other local path (control socket, QMP
	// yank socket, pidfile, log file, trace file) is rooted.
	BaseDir string

	// QMPSocket is the already-running QEMU instance's main QMP
	// socket, dialed directly at startup (daemon.c's colod_open_qmp).
	// The yank channel is always <base_dir>/qmp-yank.sock; spec.md's
	// CLI signature has no separate flag for it.
	QMPSocket string

	// Trace enables the optional trace file and debug-level logging.
	Trace bool
}

// ControlSocket is the client dispatcher's listen address
// (<base_dir>/colod.sock, spec.md §6).
func (c Config) ControlSocket() string {
	return filepath.Join(c.BaseDir, "colod.sock")
}

// QMPYankSocket is the yank channel's socket path
// (<base_dir>/qmp-yank.sock, spec.md §6).
func (c Config) QMPYankSocket() string {
	return filepath.Join(c.BaseDir, "qmp-yank.sock")
}

// PidFile is where the daemon's pid is recorded (<base_dir>/colod.pid,
// spec.md §6's "Persisted state").
func (c Config) PidFile() string {
	return filepath.Join(c.BaseDir, "colod.pid")
}

// LogFile is the daemon's log destination (<base_dir>/colod.log).
func (c Config) LogFile() string {
	return filepath.Join(c.BaseDir, "colod.log")
}

// TraceFile is the optional trace destination (<base_dir>/trace.log),
// only opened when Trace is set.
func (c Config) TraceFile() string {
	return filepath.Join(c.BaseDir, "trace.log")
}
