package qmp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/lineio"
)

// channel pairs a line transport with the exclusive per-channel lock
// every command round trip and the background listener compete for.
// Exactly one side holds the lock at a time, which is what lets a
// command's own goroutine read its reply directly off the socket
// instead of routing by a correlation id the wire protocol doesn't
// reliably provide (QMP responses don't echo a request id unless the
// caller supplied one, and out-of-band commands share the channel
// with in-band ones).
type channel struct {
	io            *lineio.Channel
	lock          chan struct{}
	discardEvents bool
	log           *colodlog.Logger
	onEvent       func(Event)
}

func newChannel(conn net.Conn, discardEvents bool, log *colodlog.Logger, onEvent func(Event)) *channel {
	c := &channel{
		io:            lineio.New(conn),
		lock:          make(chan struct{}, 1),
		discardEvents: discardEvents,
		log:           log,
		onEvent:       onEvent,
	}
	c.lock <- struct{}{}

	return c
}

func (c *channel) acquire(ctx context.Context) error {
	select {
	case <-c.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *channel) release() {
	select {
	case c.lock <- struct{}{}:
	default:
	}
}

// readLine reads lines until it gets one that isn't an event. Every
// event encountered along the way is dispatched (unless discardEvents
// is set); events are not logged, non-event lines are logged at debug
// level. When skipEvents is false the very
// first line is returned regardless of its shape — used by the
// background listener, which only ever expects to observe events.
func (c *channel) readLine(timeout time.Duration, skipEvents bool) (jsonval.Value, error) {
	for {
		line, err := c.io.ReadLine(timeout)
		if err != nil {
			return nil, err
		}

		val, err := jsonval.Parse([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("qmp: malformed line %q: %w", line, err)
		}

		eventName, isEvent := jsonval.Field(val, "event")
		if isEvent {
			if !c.discardEvents {
				data, _ := jsonval.Field(val, "data")
				if c.onEvent != nil {
					c.onEvent(Event{Name: jsonval.String(eventName), Data: data, Raw: val})
				}
			}

			if !skipEvents {
				return val, nil
			}

			continue
		}

		if c.log != nil {
			c.log.Debug("qmp: recv", colodlog.Ctx{"line": line})
		}

		return val, nil
	}
}

func (c *channel) write(data []byte, timeout time.Duration) error {
	if c.log != nil {
		c.log.Debug("qmp: send", colodlog.Ctx{"line": string(data)})
	}

	return c.io.WriteAll(append(data, '\n'), timeout)
}

// listen is the background reader: while nothing holds the lock it
// waits for exactly one line — which should be an unsolicited event —
// dispatches it, then releases and waits again. It stops on first
// error (EOF from a dead QEMU, most commonly) and calls onClosed once.
//
// Unlike command reads this never applies a read timeout: an idle QMP
// connection that simply has no events to report isn't a stall, and
// tearing the listener down on a quiet period would be surprising.
// Per-command timeouts on the main channel are what detect a genuinely
// wedged QEMU.
func (c *channel) listen(ctx context.Context, onClosed func()) {
	for {
		if err := c.acquire(ctx); err != nil {
			return
		}

		val, err := c.readLine(0, false)
		c.release()

		if err != nil {
			if onClosed != nil {
				onClosed()
			}

			return
		}

		if _, ok := jsonval.Field(val, "event"); !ok && c.log != nil {
			c.log.Warn("qmp: unsolicited non-event line while idle", colodlog.Ctx{"line": val})
		}
	}
}
