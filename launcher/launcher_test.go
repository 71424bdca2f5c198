package launcher_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/launcher"
	"github.com/colodha/colod/tmplset"
)

// fakeChannel is the same minimal fake QMP server used by the other
// packages' tests.
type fakeChannel struct {
	w *bufio.Writer
	r *bufio.Reader
}

func newFakeChannel(c net.Conn) *fakeChannel {
	return &fakeChannel{w: bufio.NewWriter(c), r: bufio.NewReader(c)}
}

func (f *fakeChannel) sendLine(t *testing.T, line string) {
	t.Helper()
	_, err := f.w.WriteString(line + "\n")
	require.NoError(t, err)
	require.NoError(t, f.w.Flush())
}

func (f *fakeChannel) recvCommand(t *testing.T) map[string]any {
	t.Helper()
	line, err := f.r.ReadString('\n')
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func (f *fakeChannel) expectAndReply(t *testing.T, execute, reply string) {
	t.Helper()
	cmd := f.recvCommand(t)
	require.Equal(t, execute, cmd["execute"])
	f.sendLine(t, reply)
}

func (f *fakeChannel) serveHandshake(t *testing.T) {
	t.Helper()
	f.sendLine(t, `{"QMP":{"version":{"qemu":{"major":9,"minor":0,"micro":0}},"capabilities":[]}}`)
	f.recvCommand(t)
	f.sendLine(t, `{"return":{}}`)
}

// acceptHandshake accepts one connection on ln and completes the QMP
// handshake on it.
func acceptHandshake(t *testing.T, ln net.Listener) *fakeChannel {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	f := newFakeChannel(conn)
	f.serveHandshake(t)
	return f
}

// fakeProcess is a Process that never spawns anything; tests control
// its exit directly.
type fakeProcess struct {
	mu   sync.Mutex
	done chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// spawnRecorder is a launcher.Spawner that records every argv it was
// asked to start and hands back a queue of fakeProcesses, one per call,
// for the test to drive.
type spawnRecorder struct {
	mu    sync.Mutex
	argvs [][]string
	procs []*fakeProcess
}

func (s *spawnRecorder) spawn(argv []string, _ *colodlog.Logger) (launcher.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := newFakeProcess()
	s.argvs = append(s.argvs, argv)
	s.procs = append(s.procs, p)

	return p, nil
}

func (s *spawnRecorder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.argvs)
}

func (s *spawnRecorder) argvAt(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.argvs[i]
}

func (s *spawnRecorder) procAt(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func TestLaunchPrimaryConnectsToQMP(t *testing.T) {
	dir := t.TempDir()

	lnMain, err := net.Listen("unix", filepath.Join(dir, "qmp.sock"))
	require.NoError(t, err)
	defer lnMain.Close()

	lnYank, err := net.Listen("unix", filepath.Join(dir, "qmp-yank.sock"))
	require.NoError(t, err)
	defer lnYank.Close()

	go func() {
		acceptHandshake(t, lnMain)
		acceptHandshake(t, lnYank)
	}()

	rec := &spawnRecorder{}

	l := launcher.New(launcher.Options{
		BaseDir: dir,
		Formatter: tmplset.NewFormatter(),
		Templates: &tmplset.Set{
			QEMUPrimaryArgs: tmplset.Sequence{
				"qemu-system-x86_64",
				"-qmp",
				"unix:@@QMP_SOCK@@,server=on,wait=off",
			},
		},
		ConnectInterval: 5 * time.Millisecond,
		Spawn:           rec.spawn,
		Log:             colodlog.Discard(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl, err := l.LaunchPrimary(ctx)
	require.NoError(t, err)
	defer cl.Close()

	require.Equal(t, 1, rec.calls())
	argv := rec.argvAt(0)
	require.Equal(t, "qemu-system-x86_64", argv[0])
	require.Equal(t, "unix:"+filepath.Join(dir, "qmp.sock")+",server=on,wait=off", argv[2])
}

func TestLaunchPrimaryGivesUpIfProcessExits(t *testing.T) {
	dir := t.TempDir()

	rec := &spawnRecorder{}

	l := launcher.New(launcher.Options{
		BaseDir:   dir,
		Formatter: tmplset.NewFormatter(),
		Templates: &tmplset.Set{
			QEMUPrimaryArgs: tmplset.Sequence{"qemu-system-x86_64"},
		},
		ConnectInterval: 5 * time.Millisecond,
		Spawn:           rec.spawn,
		Log:             colodlog.Discard(),
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		rec.procAt(0).exit()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := l.LaunchPrimary(ctx)
	require.Error(t, err)
}

func TestLaunchSecondaryProbesDiskSizeAndCreatesImages(t *testing.T) {
	dir := t.TempDir()

	lnMain, err := net.Listen("unix", filepath.Join(dir, "qmp.sock"))
	require.NoError(t, err)
	defer lnMain.Close()

	lnYank, err := net.Listen("unix", filepath.Join(dir, "qmp-yank.sock"))
	require.NoError(t, err)
	defer lnYank.Close()

	rec := &spawnRecorder{}

	l := launcher.New(launcher.Options{
		BaseDir:      dir,
		InstanceName: "test-instance",
		Formatter:    tmplset.NewFormatter(),
		Templates: &tmplset.Set{
			QEMUPrimaryArgs:   tmplset.Sequence{"qemu-system-x86_64", "-probe"},
			QEMUSecondaryArgs: tmplset.Sequence{"qemu-system-x86_64", "-drive", "file=@@ACTIVE_IMAGE@@"},
		},
		Bindings: map[string]jsonval.Value{
			"qemu_img_binary": "true",
		},
		ConnectInterval: 5 * time.Millisecond,
		Spawn:           rec.spawn,
		Log:             colodlog.Discard(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)

		// The probe instance.
		fMain := acceptHandshake(t, lnMain)
		acceptHandshake(t, lnYank)

		fMain.expectAndReply(t, "query-named-block-nodes",
			`{"return":[{"node-name":"other","image":{"virtual-size":1}},`+
				`{"node-name":"parent0","image":{"virtual-size":10737418240}}]}`)

		cmd := fMain.recvCommand(t)
		require.Equal(t, "quit", cmd["execute"])
		fMain.sendLine(t, `{"return":{}}`)
		rec.procAt(0).exit()

		// The real secondary instance.
		acceptHandshake(t, lnMain)
		acceptHandshake(t, lnYank)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl, err := l.LaunchSecondary(ctx)
	require.NoError(t, err)
	defer cl.Close()

	<-done

	require.Equal(t, 2, rec.calls())
	secondaryArgv := rec.argvAt(1)
	require.Equal(t, "file="+filepath.Join(dir, "test-instance-active.qcow2"), secondaryArgv[2])
}
