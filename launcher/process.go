// Package launcher turns a formatted qemu_primary_args/
// qemu_secondary_args sequence into a running QEMU process and the QMP
// client pair connected to it.
//
// Grounded on original_source/native_qemulauncher.c: execute_qemu +
// setup_child (spawn, die with the parent), the qemu_launcher_launch_co
// retry-connect loop, get_disk_size's dummy-instance probe, and the two
// qemu-img invocations _qemu_launcher_launch_secondary runs before
// starting the secondary instance.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/colodha/colod/colodlog"
)

// Process is a running child the Launcher spawned. Tests substitute a
// fake implementation via Spawner; production code only ever sees
// *osProcess, built by Spawn.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Wait(ctx context.Context) error
	Kill() error
}

// osProcess wraps an os/exec.Cmd. cmd.Wait runs once, in a dedicated
// goroutine started by Spawn, so Done/Wait can be consulted repeatedly
// (the qmp reconnect loop polls Done on every attempt) without racing
// a second call to Wait against it.
type osProcess struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	exited  bool
	waitErr error
	done    chan struct{}
}

// Spawn starts argv[0] with the rest of argv as its arguments, in the
// root directory, with stdout/stderr copied into log, and a death
// signal so the child never outlives this process (setup_child's
// PR_SET_PDEATHSIG, the only part of its job a Linux exec.Cmd can't do
// through its ordinary fields).
func Spawn(argv []string, log *colodlog.Logger) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launcher: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = "/"
	cmd.Stdout = &logWriter{log: log, level: "stdout"}
	cmd.Stderr = &logWriter{log: log, level: "stderr"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: starting %q: %w", argv[0], err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}

	go func() {
		err := cmd.Wait()

		p.mu.Lock()
		p.exited = true
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process has exited or ctx is done, whichever
// comes first. Calling it after the process has already exited returns
// immediately with the same error cmd.Wait produced.
func (p *osProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()

		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL. It is not an error to kill a process that has
// already exited.
func (p *osProcess) Kill() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	if exited {
		return nil
	}

	err := p.cmd.Process.Kill()
	if err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("launcher: killing qemu (pid %d): %w", p.Pid(), err)
	}

	return nil
}

// logWriter adapts a Logger to io.Writer so a child's stdout/stderr
// can be plumbed straight into the daemon's own structured log.
type logWriter struct {
	log   *colodlog.Logger
	level string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Debug("qemu output", colodlog.Ctx{w.level: string(p)})
	return len(p), nil
}
