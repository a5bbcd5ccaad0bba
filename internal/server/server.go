// Package server implements nexadb's TCP accept loop and per-connection
// dispatcher: one accept goroutine, one handler goroutine per
// connection, each handler strictly serial (read frame -> process ->
// write frame) per spec.md §5. Grounded on the teacher's
// pkg/cluster/server/server.go for the listener lifecycle shape
// (Config/DefaultConfig, Start/Stop, a shutdown channel, WaitForShutdown)
// even though the teacher speaks gRPC where nexadb speaks its own
// frame protocol from internal/wire.
package server

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mnohosten/nexadb/internal/wire"
)

// Config controls the listener and per-connection behavior.
type Config struct {
	Host              string
	Port              int
	InactivityTimeout time.Duration
	AuthRequired      bool
}

// DefaultConfig mirrors spec.md §6's listen_host/listen_port/
// auth_required defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              4205,
		InactivityTimeout: 30 * time.Second,
		AuthRequired:      true,
	}
}

// Server owns the listener and dispatches frames from each connection
// to a Dispatcher.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher

	mu       sync.Mutex
	listener net.Listener
	started  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server bound to cfg that routes every request frame
// through dispatcher.
func New(cfg Config, dispatcher *Dispatcher) *Server {
	return &Server{cfg: cfg, dispatcher: dispatcher, shutdown: make(chan struct{})}
}

// Start begins accepting connections in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server: already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener
	s.started = true

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("nexadb: accept error: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the serial read-process-write loop for one
// connection, per spec.md §5's "no pipelining, no request-id" design.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	session := &Session{Authenticated: !s.cfg.AuthRequired}

	for {
		if s.cfg.InactivityTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.cfg.InactivityTimeout))
		}

		// Any read error (clean EOF, idle timeout, reset) ends this
		// connection; spec.md §5 has no explicit cancel message, so
		// there is nothing to distinguish here beyond logging.
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}

		if !session.Authenticated && frame.Type != wire.TypeConnect {
			typ, payload := wire.ErrorFrame(wire.CodeUnauthenticated, "connection has not authenticated")
			wire.WriteFrame(conn, typ, 0, payload)
			continue
		}

		respType, respPayload := s.dispatcher.Dispatch(session, frame)
		if err := wire.WriteFrame(conn, respType, 0, respPayload); err != nil {
			return
		}

		if frame.Type == wire.TypeConnect && respType == wire.TypeError {
			// spec.md §4.9: on CONNECT mismatch, reply ERROR and close.
			return
		}
	}
}

// Stop closes the listener and waits for every connection handler to
// return; a handler keeps serving its connection until the client
// closes it, a read fails, or the inactivity timeout expires.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: not started")
	}
	s.started = false
	close(s.shutdown)
	err := s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the listener's bound address, useful in tests that bind
// to port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
