package qmp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/qmp"
)

// fakeChannel emulates one side (main or yank) of a QEMU QMP socket:
// it sends the greeting, answers qmp_capabilities, and thereafter
// dispatches whatever handler the test installed for later commands.
type fakeChannel struct {
	conn net.Conn

	writeMu sync.Mutex
	w       *bufio.Writer
	r       *bufio.Reader
}

func newFakeChannel(t *testing.T, conn net.Conn) *fakeChannel {
	t.Helper()

	return &fakeChannel{conn: conn, w: bufio.NewWriter(conn), r: bufio.NewReader(conn)}
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

// serveHandshake performs the greeting/qmp_capabilities exchange and
// returns so the caller can keep driving the same fakeChannel for
// whatever the test needs next.
func (f *fakeChannel) serveHandshake(t *testing.T) {
	t.Helper()

	f.sendLine(t, `{"QMP":{"version":{"qemu":{"major":9,"minor":0,"micro":0}},"capabilities":[]}}`)

	cmd := f.recvCommand(t)
	require.Equal(t, "qmp_capabilities", cmd["execute"])

	f.sendLine(t, `{"return":{}}`)
}

// dialFake wires up a Client against two in-process fake channels,
// handling both handshakes before returning control to the test.
func dialFake(t *testing.T, opts qmp.Options) (*qmp.Client, *fakeChannel, *fakeChannel) {
	t.Helper()

	mainServer, mainClient := net.Pipe()
	yankServer, yankClient := net.Pipe()

	fMain := newFakeChannel(t, mainServer)
	fYank := newFakeChannel(t, yankServer)

	handshakeDone := make(chan struct{})
	go func() {
		fMain.serveHandshake(t)
		fYank.serveHandshake(t)
		close(handshakeDone)
	}()

	cl, err := qmp.Dial(context.Background(), mainClient, yankClient, opts)
	require.NoError(t, err)

	<-handshakeDone

	t.Cleanup(func() {
		_ = cl.Close()
		_ = mainServer.Close()
		_ = yankServer.Close()
	})

	return cl, fMain, fYank
}

func TestDialPerformsHandshakeOnBothChannels(t *testing.T) {
	dialFake(t, qmp.Options{})
}

func TestExecuteRoundTrip(t *testing.T) {
	cl, fMain, _ := dialFake(t, qmp.Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)

		cmd := fMain.recvCommand(t)
		assert.Equal(t, "query-status", cmd["execute"])
		fMain.sendLine(t, `{"return":{"status":"running"}}`)
	}()

	res, err := cl.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)
	<-done

	status, _ := jsonval.Field(res.Value, "return")
	name, _ := jsonval.Field(status, "status")
	assert.Equal(t, "running", jsonval.String(name))
	assert.False(t, res.DidYank)
}

func TestExecuteReturnsCommandError(t *testing.T) {
	cl, fMain, _ := dialFake(t, qmp.Options{})

	go func() {
		fMain.recvCommand(t)
		fMain.sendLine(t, `{"error":{"class":"GenericError","desc":"nope"}}`)
	}()

	_, err := cl.Execute(context.Background(), "query-status", nil)
	require.Error(t, err)

	var qerr *qmp.CommandError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "GenericError", qerr.Class)
}

func TestExecuteTimeoutTriggersYankRecovery(t *testing.T) {
	cl, fMain, fYank := dialFake(t, qmp.Options{
		Timeout:       30 * time.Millisecond,
		YankInstances: []jsonval.Value{map[string]jsonval.Value{"type": "block"}},
	})

	recovered := make(chan struct{})
	go func() {
		// Main channel never answers the first attempt — simulates a
		// wedged QEMU. Swallow the command and stay silent.
		fMain.recvCommand(t)

		// Yank channel: answer query-yank then yank.
		cmd := fYank.recvCommand(t)
		assert.Equal(t, "query-yank", cmd["exec-oob"])
		fYank.sendLine(t, `{"return":[{"type":"block","id":"disk0"}]}`)

		cmd = fYank.recvCommand(t)
		assert.Equal(t, "yank", cmd["exec-oob"])
		fYank.sendLine(t, `{"return":{}}`)

		close(recovered)

		// The retried read reuses the command already written before
		// the timeout — nothing re-sends it, so just answer it now.
		fMain.sendLine(t, `{"return":{}}`)
	}()

	res, err := cl.Execute(context.Background(), "cont", nil)
	require.NoError(t, err)
	<-recovered
	assert.True(t, res.DidYank)
}

func TestWaitEventMatchesDispatchedEvent(t *testing.T) {
	cl, fMain, _ := dialFake(t, qmp.Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		fMain.sendLine(t, `{"event":"RESUME"}`)
	}()

	pattern := map[string]jsonval.Value{"event": "RESUME"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev, err := cl.WaitEvent(ctx, time.Second, pattern)
	require.NoError(t, err)
	assert.Equal(t, "RESUME", ev.Name)
}

func TestWaitEventTimesOutWithoutMatch(t *testing.T) {
	cl, _, _ := dialFake(t, qmp.Options{})

	pattern := map[string]jsonval.Value{"event": "RESUME"}

	_, err := cl.WaitEvent(context.Background(), 30*time.Millisecond, pattern)
	assert.ErrorIs(t, err, qmp.ErrEventTimeout)
}
