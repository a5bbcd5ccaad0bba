// Command nexadb starts the document/vector database server described
// in spec.md. Grounded on the teacher's cmd/server/main.go for the
// flag-parsed config override pattern, and on pkg/server.Server.Start's
// signal.Notify-based graceful shutdown for the run loop.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mnohosten/nexadb/internal/catalog"
	"github.com/mnohosten/nexadb/internal/config"
	"github.com/mnohosten/nexadb/internal/engine"
	"github.com/mnohosten/nexadb/internal/server"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "data directory for the storage engine and catalog")
	host := flag.String("host", "0.0.0.0", "listen host")
	port := flag.Int("port", 4205, "listen port")
	authRequired := flag.Bool("auth-required", true, "require a successful CONNECT before any other request")
	flag.Parse()

	cfg := config.DefaultConfig(*dataDir)
	cfg.ListenHost = *host
	cfg.ListenPort = *port
	cfg.AuthRequired = *authRequired

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "nexadb: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.meta"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}

	eng, err := engine.Open(cfg.EngineConfig())
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer eng.Close()

	dispatcher := server.NewDispatcher(cat, eng, cfg.VectorConfig())
	srv := server.New(server.Config{
		Host:              cfg.ListenHost,
		Port:              cfg.ListenPort,
		InactivityTimeout: cfg.InactivityTimeout,
		AuthRequired:      cfg.AuthRequired,
	}, dispatcher)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Printf("nexadb listening on %s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("received signal %v, shutting down", sig)

	return srv.Stop()
}
