package grpcx

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer()
	go func() { _ = s.GRPC().Serve(lis) }()
	t.Cleanup(s.Shutdown)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return s, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return resp.GetStatus()
}

func TestHealth_ServingAndProbe(t *testing.T) {
	s, c := startServer(t)
	if got := check(t, c); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, func(context.Context) error { return errors.New("db down") }, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for check(t, c) != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatalf("probe failure must flip status")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	s.SetServing(true)
	if got := check(t, c); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after recovery = %v", got)
	}
}

func TestUnaryInterceptor_RecoversPanic(t *testing.T) {
	icpt := UnaryServerInterceptor()
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"},
		func(context.Context, any) (any, error) { panic("boom") })
	if status.Code(err) != codes.Internal {
		t.Fatalf("err = %v", err)
	}
}

func TestUnaryInterceptor_AddsDeadline(t *testing.T) {
	icpt := UnaryServerInterceptor()
	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"},
		func(ctx context.Context, _ any) (any, error) {
			if _, ok := ctx.Deadline(); !ok {
				return nil, errors.New("no deadline")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
}
