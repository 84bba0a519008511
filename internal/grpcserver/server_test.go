package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"

	"motioncorr/internal/storage"
)

func startServer(t *testing.T, store *storage.Store) (*HealthServer, healthpb.HealthClient, context.CancelFunc, <-chan error) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///"+lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, healthpb.NewHealthClient(conn), cancel, done
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsRuns(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "motioncorr.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	s, client, cancel, done := startServer(t, store)
	defer cancel()

	if got := check(t, client, Service); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}

	s.RunStarted("run-1")
	ctx, cancelCheck := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCheck()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "run-1"})
	if err != nil {
		t.Fatalf("check run-1: %v", err)
	}
	want := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	if !proto.Equal(resp, want) {
		t.Fatalf("expected %v, got %v", want, resp)
	}
	s.RunFinished("run-1")
	if got := check(t, client, "run-1"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected run NOT_SERVING, got %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestHealthWithoutStore(t *testing.T) {
	_, client, cancel, _ := startServer(t, nil)
	defer cancel()
	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING without a store, got %v", got)
	}
}
