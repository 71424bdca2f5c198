package coordinator_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/coordinator"
	"github.com/colodha/colod/qmp"
	"github.com/colodha/colod/tmplset"
)

// fakeChannel emulates one side of a QEMU QMP socket: it performs the
// greeting/qmp_capabilities handshake and thereafter replies to
// whatever the test scripts, same shape as qmp's own internal test
// harness (qmp_test.fakeChannel), duplicated here since that one isn't
// exported.
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

// expectAndReply reads the next command (asserting its execute field)
// and answers with reply.
func (f *fakeChannel) expectAndReply(t *testing.T, execute, reply string) {
	t.Helper()

	cmd := f.recvCommand(t)
	require.Equal(t, execute, cmd["execute"])
	f.sendLine(t, reply)
}

func dialFake(t *testing.T) (*qmp.Client, *fakeChannel, *fakeChannel) {
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

	t.Cleanup(func() {
		_ = cl.Close()
		_ = mainServer.Close()
		_ = yankServer.Close()
	})

	return cl, fMain, fYank
}

// TestRunSecondaryObservesFailoverThenQuits drives a secondary node
// through replication-wait (RESUME observed), into replication-running,
// where a PeerFailed event (as peer.Manager would emit it) triggers a
// failover; after DidFailover the daemon is primary-standalone, where a
// Quit event ends Run cleanly.
func TestRunSecondaryObservesFailoverThenQuits(t *testing.T) {
	cl, fMain, fYank := dialFake(t)

	formatter := tmplset.NewFormatter()
	templates := &tmplset.Set{
		FailoverSecondary: tmplset.Sequence{`{"execute":"cont"}`},
	}

	c := coordinator.New(coordinator.Options{
		QMP:         cl,
		Formatter:   formatter,
		Templates:   templates,
		Primary:     false,
		TimeoutLow:  100 * time.Millisecond,
		TimeoutHigh: 10 * time.Second,
	})

	go fMain.expectAndReply(t, "migrate-set-capabilities", `{"return":{}}`)

	go func() {
		time.Sleep(20 * time.Millisecond)
		fMain.sendLine(t, `{"event":"RESUME"}`)

		time.Sleep(20 * time.Millisecond)
		c.Enqueue(coordinator.Event{Tag: coordinator.PeerFailed, Reason: "test"})

		fYank.expectAndReply(t, "query-yank", `{"return":[]}`)
		fYank.expectAndReply(t, "yank", `{"return":{}}`)
		fMain.expectAndReply(t, "cont", `{"return":{}}`)

		time.Sleep(20 * time.Millisecond)
		c.Enqueue(coordinator.Event{Tag: coordinator.Quit})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.NoError(t, err)

	st := c.Status()
	require.True(t, st.Primary)
	require.False(t, st.Replication)
}

// TestHealthCheckFlagsMismatch checks that a disagreement between
// QEMU's reported colo mode and the daemon's own notion of its role
// enqueues a Failed event, which then drives Run into the failed sink.
func TestHealthCheckFlagsMismatch(t *testing.T) {
	cl, fMain, _ := dialFake(t)

	formatter := tmplset.NewFormatter()
	c := coordinator.New(coordinator.Options{
		QMP:       cl,
		Formatter: formatter,
		Templates: &tmplset.Set{},
		Primary:   true,
	})

	go func() {
		fMain.expectAndReply(t, "query-status", `{"return":{"status":"colo"}}`)
		fMain.expectAndReply(t, "query-colo-status", `{"return":{"mode":"primary","reason":"none"}}`)
	}()

	// Daemon believes it's primary-standalone (Replication false), but
	// QEMU reports colo mode "primary", which expects Replication true:
	// a mismatch HealthCheck should flag before Run ever starts.
	require.NoError(t, c.HealthCheck(context.Background()))

	go fMain.expectAndReply(t, "stop", `{"return":{}}`)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Enqueue(coordinator.Event{Tag: coordinator.Quit})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	require.True(t, c.Status().Failed)
}
