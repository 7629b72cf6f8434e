package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/domain/entity"
	"github.com/stratumlabs/stratum/internal/domain/event"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServeDrainsOutboxAndServesHealth(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewWithAddr("127.0.0.1:0", RuntimeConfig{
		DBPath:       filepath.Join(dir, "stratum.db"),
		StreamDBPath: filepath.Join(dir, "stream.db"),
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	seed := func(id, eventID string) {
		t.Helper()
		_, err := srv.store.PutEntityWithOutboxEvent(context.Background(), entity.Record{
			Kind:      "doc",
			ID:        id,
			Payload:   map[string]any{"rev": eventID},
			UpdatedAt: time.Now().UTC(),
		}, 0, event.OutboxEvent{ID: eventID, Type: "doc.created"})
		if err != nil {
			t.Fatalf("seed outbox entry %s: %v", eventID, err)
		}
	}
	seed("D1", "run-a")
	seed("D2", "run-b")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial publisher server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	healthClient := grpc_health_v1.NewHealthClient(conn)
	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	checkResp, err := healthClient.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: "stratum.publisher"})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if got := checkResp.GetStatus(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		summary, err := srv.store.GetOutboxSummary(context.Background())
		if err != nil {
			t.Fatalf("outbox summary: %v", err)
		}
		if summary.PublishedCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox never drained: %+v", summary)
		}
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := srv.stream.ReadFrom(context.Background(), "doc", 0, 10)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stream entries = %d, want 2", len(entries))
	}
}

func TestNewWithAddrRejectsInvalidAddress(t *testing.T) {
	dir := t.TempDir()
	_, err := NewWithAddr("127.0.0.1:-1", RuntimeConfig{
		DBPath:       filepath.Join(dir, "stratum.db"),
		StreamDBPath: filepath.Join(dir, "stream.db"),
	})
	if err == nil {
		t.Fatal("expected listen error for invalid address")
	}
}
