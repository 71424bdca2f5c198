package main

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

	"github.com/colodha/colod/colodapi"
	"github.com/colodha/colod/coordinator"
	"github.com/colodha/colod/ctldispatch"
	"github.com/colodha/colod/qmp"
	"github.com/colodha/colod/tmplset"
)

// fakeChannel emulates one side of a QEMU QMP socket, duplicated in
// this package for the same reason coordinator_test.go and
// launcher_test.go each carry their own copy: it isn't exported.
type fakeChannel struct {
	writeMu sync.Mutex
	w       *bufio.Writer
	r       *bufio.Reader
}

func newFakeChannel(conn net.Conn) *fakeChannel {
	return &fakeChannel{w: bufio.NewWriter(conn), r: bufio.NewReader(conn)}
}

func (f *fakeChannel) sendLine(t *testing.T, line string) {
	t.Helper()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

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

func (f *fakeChannel) serveHandshake(t *testing.T) {
	t.Helper()

	f.sendLine(t, `{"QMP":{"version":{"qemu":{"major":9,"minor":0,"micro":0}},"capabilities":[]}}`)
	f.recvCommand(t)
	f.sendLine(t, `{"return":{}}`)
}

// dialFakeQMP wires up a qmp.Client against two net.Pipe connections
// whose far ends are driven by the test, standing in for native
// process supervision so these tests never touch launcher/os-exec.
func dialFakeQMP(t *testing.T) (*qmp.Client, *fakeChannel, *fakeChannel, func()) {
	t.Helper()

	mainServer, mainClient := net.Pipe()
	yankServer, yankClient := net.Pipe()

	fMain := newFakeChannel(mainServer)
	fYank := newFakeChannel(yankServer)

	handshakeDone := make(chan struct{})
	go func() {
		fMain.serveHandshake(t)
		fYank.serveHandshake(t)
		close(handshakeDone)
	}()

	cl, err := qmp.Dial(context.Background(), mainClient, yankClient, qmp.Options{})
	require.NoError(t, err)
	<-handshakeDone

	closeAll := func() {
		_ = cl.Close()
		_ = mainServer.Close()
		_ = yankServer.Close()
	}

	return cl, fMain, fYank, closeAll
}

// controlClient dials a freshly-listening control socket and returns
// a send/recv pair over it, matching how colodctl talks to colod.
func controlClient(t *testing.T, addr string) (func(req string) string, func()) {
	t.Helper()

	conn, err := net.Dial("unix", addr)
	require.NoError(t, err)

	r := bufio.NewReader(conn)

	send := func(req string) string {
		_, err := conn.Write([]byte(req + "\n"))
		require.NoError(t, err)

		line, err := r.ReadString('\n')
		require.NoError(t, err)

		return line
	}

	return send, func() { conn.Close() }
}

// TestQuitEarlyNormal is scenario S1: start-migration acknowledged
// immediately, then quit while the migration sequence is still
// in flight ends the daemon cleanly.
func TestQuitEarlyNormal(t *testing.T) {
	cl, fMain, _, closeQMP := dialFakeQMP(t)
	defer closeQMP()

	coord := coordinator.New(coordinator.Options{
		QMP:       cl,
		Formatter: tmplset.NewFormatter(),
		Templates: &tmplset.Set{},
		Primary:   true,
	})

	sockPath := filepath.Join(t.TempDir(), "colod.sock")
	srv, err := ctldispatch.Listen("unix", sockPath, coord, nil)
	require.NoError(t, err)
	defer srv.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(context.Background()) }()

	send, closeClient := controlClient(t, sockPath)
	defer closeClient()

	var resp colodapi.Empty
	require.NoError(t, json.Unmarshal([]byte(send(`{"exec-colod":"start-migration"}`)), &resp))

	quitDone := make(chan string, 1)
	go func() { quitDone <- send(`{"exec-colod":"quit"}`) }()

	// Hold the migrate-set-capabilities reply back until the quit
	// request line is known to be in flight, so the Quit event is
	// always enqueued before startMigration's criticalPending check —
	// otherwise this would be a race between two independent goroutines.
	cmd := fMain.recvCommand(t)
	require.Equal(t, "migrate-set-capabilities", cmd["execute"])
	time.Sleep(20 * time.Millisecond)
	fMain.sendLine(t, `{"return":{}}`)

	require.NoError(t, json.Unmarshal([]byte(<-quitDone), &resp))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon did not exit within 1s of quit")
	}
}

// TestQuitEarlyQemuGone is scenario S2: QEMU disappearing mid-migration
// routes the daemon into the failed sink, and a subsequent quit still
// exits it cleanly.
func TestQuitEarlyQemuGone(t *testing.T) {
	cl, fMain, _, closeQMP := dialFakeQMP(t)

	coord := coordinator.New(coordinator.Options{
		QMP:       cl,
		Formatter: tmplset.NewFormatter(),
		Templates: &tmplset.Set{},
		Primary:   true,
	})

	sockPath := filepath.Join(t.TempDir(), "colod.sock")
	srv, err := ctldispatch.Listen("unix", sockPath, coord, nil)
	require.NoError(t, err)
	defer srv.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(context.Background()) }()

	send, closeClient := controlClient(t, sockPath)
	defer closeClient()

	var resp colodapi.Empty
	require.NoError(t, json.Unmarshal([]byte(send(`{"exec-colod":"start-migration"}`)), &resp))

	// migrate-set-capabilities is received but never answered: close
	// both QMP sockets instead, simulating QEMU exiting mid-command.
	fMain.recvCommand(t)
	closeQMP()

	// Give the event loop time to unwind the failed migration and
	// settle into the failed sink before quitting.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, json.Unmarshal([]byte(send(`{"exec-colod":"quit"}`)), &resp))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon did not exit within 1s of quit")
	}
}
