package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/peer"
	"github.com/colodha/colod/sched"
	"github.com/colodha/colod/wire"
)

func runLoop(t *testing.T) (*sched.Loop, func()) {
	t.Helper()

	loop := sched.New()
	ctx, cancel := context.WithCancel(context.Background())

	go loop.Run(ctx)

	return loop, cancel
}

// post runs fn on the loop goroutine and waits for it to finish,
// since Manager's methods assume single-threaded access.
func post(t *testing.T, loop *sched.Loop, fn func()) {
	t.Helper()

	done := make(chan struct{})
	loop.Post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted callback never ran")
	}
}

func TestOwnFailoverEmitsFailoverWin(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	var got []peer.Event
	m.AddNotify(func(e peer.Event) { got = append(got, e) })

	post(t, loop, func() { m.OnDeliver(wire.Failover, true) })

	require.Equal(t, []peer.Event{peer.FailoverWin}, got)
}

func TestPeerFailoverEchoIsSwallowedAfterOwnWin(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	var got []peer.Event
	m.AddNotify(func(e peer.Event) { got = append(got, e) })

	post(t, loop, func() {
		m.OnDeliver(wire.Failover, true)
		m.OnDeliver(wire.Failover, false)
	})

	assert.Equal(t, []peer.Event{peer.FailoverWin}, got)
	assert.False(t, m.Status().FailedOver)
}

func TestPeerInitiatedFailoverEmitsFailed(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	var got []peer.Event
	m.AddNotify(func(e peer.Event) { got = append(got, e) })

	post(t, loop, func() { m.OnDeliver(wire.Failover, false) })

	assert.Equal(t, []peer.Event{peer.Failed}, got)
	assert.True(t, m.Status().FailedOver)
}

func TestFailedMessageFromSelfIsIgnored(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	post(t, loop, func() { m.OnDeliver(wire.Failed, true) })

	assert.False(t, m.Status().Failed)
}

func TestFailedMessageFromPeerSetsFailed(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	post(t, loop, func() { m.OnDeliver(wire.Failed, false) })

	assert.True(t, m.Status().Failed)
}

func TestYellowUnyellowFromPeer(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	post(t, loop, func() { m.OnDeliver(wire.Yellow, false) })
	assert.True(t, m.Status().Yellow)

	post(t, loop, func() { m.OnDeliver(wire.Unyellow, false) })
	assert.False(t, m.Status().Yellow)
}

func TestPeerLeftSetsFailedAndNotifies(t *testing.T) {
	loop, cancel := runLoop(t)
	defer cancel()

	m := peer.New(loop, "self", "peer", nil)

	var got []peer.Event
	m.AddNotify(func(e peer.Event) { got = append(got, e) })

	post(t, loop, m.PeerLeft)

	assert.True(t, m.Status().Failed)
	assert.Equal(t, []peer.Event{peer.Failed}, got)
}
