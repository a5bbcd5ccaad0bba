package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnohosten/nexadb/internal/catalog"
	"github.com/mnohosten/nexadb/internal/engine"
	"github.com/mnohosten/nexadb/internal/vector"
	"github.com/mnohosten/nexadb/internal/wire"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *Dispatcher) {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.meta"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	eng, err := engine.Open(engine.DefaultConfig(filepath.Join(dir, "data")))
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	dispatcher := NewDispatcher(cat, eng, vector.DefaultConfig())
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	srv := New(cfg, dispatcher)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, dispatcher
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerRejectsUnauthenticatedNonConnect(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dial(t, srv)

	if err := wire.WriteFrame(conn, wire.TypePing, 0, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != wire.TypeError {
		t.Fatalf("expected ERROR for unauthenticated request, got 0x%x", frame.Type)
	}
}

func TestServerConnectThenPing(t *testing.T) {
	srv, dispatcher := newTestServer(t, DefaultConfig())

	typ, payload := dispatcher.handleCreate(map[string]interface{}{
		"target": "user", "username": "bob", "password": "secret",
	})
	if typ != wire.TypeSuccess {
		t.Fatalf("expected user creation to succeed, got 0x%x / %v", typ, payload)
	}

	conn := dial(t, srv)
	if err := wire.WriteFrame(conn, wire.TypeConnect, 0, map[string]interface{}{
		"username": "bob", "password": "secret",
	}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != wire.TypeSuccess {
		t.Fatalf("expected successful CONNECT, got 0x%x", frame.Type)
	}

	if err := wire.WriteFrame(conn, wire.TypePing, 0, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err = wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != wire.TypePong {
		t.Fatalf("expected PONG, got 0x%x", frame.Type)
	}
}

func TestServerClosesConnectionOnFailedConnect(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dial(t, srv)

	if err := wire.WriteFrame(conn, wire.TypeConnect, 0, map[string]interface{}{
		"username": "nobody", "password": "wrong",
	}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != wire.TypeError {
		t.Fatalf("expected ERROR for bad credentials, got 0x%x", frame.Type)
	}

	// the server closes the connection after a failed CONNECT; a
	// further read should observe EOF rather than hang.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after failed CONNECT")
	}
}

func TestServerClosesConnectionOnBadMagic(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	conn := dial(t, srv)

	garbage := make([]byte, wire.HeaderSize)
	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed on bad magic")
	}
}

func TestServerClosesIdleConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 100 * time.Millisecond
	cfg.AuthRequired = false
	srv, _ := newTestServer(t, cfg)
	conn := dial(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected idle connection to be closed by inactivity timeout")
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	if err := srv.Start(); err == nil {
		t.Fatalf("expected second Start to fail")
	}
}

func TestServerStopTwiceFails(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig())
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(); err == nil {
		t.Fatalf("expected second Stop to fail")
	}
}
