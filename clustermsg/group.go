// Package clustermsg implements the two-node cluster group transport
// spec.md §4.5 assumes on top of an abstract group-membership
// primitive: a deliver(sender, message) callback, a
// membership_changed(joined, left) callback, and multicast(payload,
// AGREED_ORDER). colod's own coordination never spans more than two
// nodes (spec.md's Non-goals exclude >2-node coordination), so the
// "group" here is always exactly {self, peer}, and AGREED_ORDER
// reduces to ordinary point-to-point delivery over one connection —
// trivially totally ordered, since both ends see the same single
// stream of messages in the order they were written to it.
package clustermsg

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/wire"
)

// ErrNotJoined is returned by Multicast when no peer connection is
// currently established.
var ErrNotJoined = errors.New("clustermsg: not joined to peer")

// Callbacks are the group-membership primitive's two notifications
// (spec.md §4.5).
type Callbacks struct {
	// Deliver is called once per received message with a known code
	// (unknown codes are logged and dropped), off the read
	// goroutine. It must not block for long.
	Deliver func(sender string, code wire.MessageCode)

	// MembershipChanged is called whenever the peer connects or
	// disconnects, with exactly one of joined/left populated.
	MembershipChanged func(joined, left []string)
}

// Options configures a Group.
type Options struct {
	SelfID     string
	PeerID     string
	ListenAddr string // host:port this node accepts the peer's connection on
	PeerAddr   string // host:port of the peer's ListenAddr
	Log        *colodlog.Logger
}

const groupPath = "/colo-group"

// Group is a joined two-node cluster group: one listener accepting the
// peer's inbound connection, one dial loop reaching for the peer's
// listener, whichever succeeds first wins and the other side backs
// off. Exactly one of the two connection attempts is ever live.
type Group struct {
	opts Options
	cb   Callbacks
	log  *colodlog.Logger

	listener net.Listener
	srv      *http.Server

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Join starts listening on opts.ListenAddr and dialing opts.PeerAddr,
// returning as soon as the listener is up (the peer connection itself
// completes asynchronously and is reported via cb.MembershipChanged).
func Join(opts Options, cb Callbacks) (*Group, error) {
	if opts.Log == nil {
		opts.Log = colodlog.Discard()
	}

	g := &Group{
		opts:    opts,
		cb:      cb,
		log:     opts.Log.Scoped("clustermsg", colodlog.Ctx{"peer": opts.PeerID}),
		closeCh: make(chan struct{}),
	}

	if err := g.startServer(); err != nil {
		return nil, err
	}

	g.wg.Add(1)
	go g.dialLoop()

	return g, nil
}

func (g *Group) startServer() error {
	ln, err := net.Listen("tcp", g.opts.ListenAddr)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get(groupPath, g.handleUpgrade)

	g.listener = ln
	g.srv = &http.Server{Handler: r}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Warn("cluster group listener stopped", colodlog.Ctx{"err": err.Error()})
		}
	}()

	return nil
}

var upgrader = websocket.Upgrader{}

func (g *Group) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("peer upgrade failed", colodlog.Ctx{"err": err.Error()})
		return
	}

	g.mu.Lock()
	if g.conn != nil {
		g.mu.Unlock()
		_ = conn.Close()

		return
	}

	g.conn = conn
	g.mu.Unlock()

	g.onJoined(conn)
}

// dialLoop keeps trying to reach the peer's listener whenever no
// connection is currently established. Each burst of attempts backs
// off via Rican7/retry; bursts themselves repeat until Close or until
// a connection succeeds.
func (g *Group) dialLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.closeCh:
			return
		default:
		}

		if g.isJoined() {
			if g.sleep(time.Second) {
				return
			}

			continue
		}

		err := retry.Retry(func(attempt uint) error {
			conn, _, dialErr := websocket.DefaultDialer.Dial("ws://"+g.opts.PeerAddr+groupPath, nil)
			if dialErr != nil {
				return dialErr
			}

			g.mu.Lock()
			if g.conn != nil {
				g.mu.Unlock()
				_ = conn.Close()

				return nil
			}

			g.conn = conn
			g.mu.Unlock()

			g.onJoined(conn)

			return nil
		}, strategy.Limit(5), strategy.Backoff(backoff.Incremental(200*time.Millisecond, 300*time.Millisecond)))
		if err != nil {
			g.log.Debug("peer dial attempts exhausted, backing off", colodlog.Ctx{"err": err.Error()})
		}

		if g.sleep(2 * time.Second) {
			return
		}
	}
}

func (g *Group) sleep(d time.Duration) (closed bool) {
	select {
	case <-g.closeCh:
		return true
	case <-time.After(d):
		return false
	}
}

func (g *Group) isJoined() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.conn != nil
}

func (g *Group) onJoined(conn *websocket.Conn) {
	g.log.Info("peer joined cluster group", nil)

	if g.cb.MembershipChanged != nil {
		g.cb.MembershipChanged([]string{g.opts.PeerID}, nil)
	}

	g.wg.Add(1)

	go g.readLoop(conn)
}

func (g *Group) readLoop(conn *websocket.Conn) {
	defer g.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.mu.Lock()
			if g.conn == conn {
				g.conn = nil
			}
			g.mu.Unlock()

			g.log.Info("peer left cluster group", colodlog.Ctx{"err": err.Error()})

			if g.cb.MembershipChanged != nil {
				g.cb.MembershipChanged(nil, []string{g.opts.PeerID})
			}

			return
		}

		code, err := wire.Decode(data)
		if err != nil {
			g.log.Warn("dropping malformed cluster group message", colodlog.Ctx{"err": err.Error()})
			continue
		}

		if !code.Known() {
			g.log.Debug("ignoring unknown cluster group message code", colodlog.Ctx{"code": code.String()})
			continue
		}

		if g.cb.Deliver != nil {
			g.cb.Deliver(g.opts.PeerID, code)
		}
	}
}

// Multicast sends code to the peer with AGREED_ORDER semantics (see
// the package doc: trivially satisfied by the single point-to-point
// connection). Returns ErrNotJoined if the peer isn't currently
// connected.
func (g *Group) Multicast(code wire.MessageCode) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()

	if conn == nil {
		return ErrNotJoined
	}

	return conn.WriteMessage(websocket.BinaryMessage, wire.Encode(code))
}

// Close tears down the listener, any live connection, and the dial
// loop. Idempotent.
func (g *Group) Close() error {
	g.closeOnce.Do(func() {
		close(g.closeCh)
	})

	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	g.mu.Unlock()

	var err error
	if g.srv != nil {
		err = g.srv.Close()
	}

	g.wg.Wait()

	return err
}
