// Package bustest runs an embedded JetStream server for package tests.
package bustest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"trionyx/pkg/bus"
)

// URL starts a JetStream enabled server on a random port with its store
// in t's temp dir and returns its client URL.
func URL(t testing.TB) string {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv.ClientURL()
}

// Open connects a Bus to a fresh embedded server.
func Open(t testing.TB) *bus.Bus {
	t.Helper()

	b, err := bus.New(URL(t))
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}
