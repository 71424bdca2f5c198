// Package ctldispatch implements the Client Dispatcher (spec.md §4.8):
// a newline-delimited JSON control socket. Each accepted connection
// runs on its own goroutine, repeatedly reading one request line and
// writing one response line, until the client disconnects or a read/
// write fails.
//
// Grounded on original_source/client.c's accept-then-per-client-loop
// shape; colod.c's notion of a single dispatcher goroutine per
// connection, rather than per-request, is what makes "stop without a
// matching cont before disconnect triggers an auto-cont" (spec.md
// §4.8's closing paragraph) a property of the connection's own
// teardown path instead of needing separate bookkeeping.
package ctldispatch

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/coordinator"
)

// Server accepts connections on a local stream socket and dispatches
// each request line through a Coordinator.
type Server struct {
	ln    net.Listener
	coord *coordinator.Coordinator
	log   *colodlog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen starts accepting connections on network/address (e.g.
// ("unix", "<base_dir>/colod.sock")). It returns once the listener is
// up; connections are served asynchronously.
func Listen(network, address string, coord *coordinator.Coordinator, log *colodlog.Logger) (*Server, error) {
	if log == nil {
		log = colodlog.Discard()
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("ctldispatch: listening on %s %s: %w", network, address, err)
	}

	s := &Server{
		ln:    ln,
		coord: coord,
		log:   log.Scoped("ctldispatch", nil),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		connID := uuid.NewString()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newConn(s, conn, connID).serve()
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones
// to finish their teardown (including any auto-cont). Safe to call
// more than once.
func (s *Server) Close() error {
	var err error

	s.closeOnce.Do(func() {
		err = s.ln.Close()
	})

	s.wg.Wait()

	return err
}
