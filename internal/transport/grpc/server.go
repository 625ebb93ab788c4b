package grpcx

import (
	"context"
	"time"

	"github.com/cwrk-planet/messenger/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"

	// ServiceName — имя, под которым публикуется статус в health
	ServiceName = "messenger"
)

// Probe — проверка зависимостей (хранилище, NATS); ошибка переводит сервис в NOT_SERVING.
type Probe func(ctx context.Context) error

type Server struct {
	srv    *grpc.Server
	health *health.Server
}

func NewServer() *Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Server{srv: srv, health: hs}
}

func (s *Server) GRPC() *grpc.Server { return s.srv }

func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Watch гоняет probe раз в every до отмены ctx.
func (s *Server) Watch(ctx context.Context, probe Probe, every time.Duration) {
	if probe == nil {
		return
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	healthy := true
	for {
		pctx, cancel := context.WithTimeout(ctx, every/2)
		err := probe(pctx)
		cancel()
		if (err == nil) != healthy {
			healthy = err == nil
			if healthy {
				logger.FromCtx(ctx).Info("dependencies healthy again")
			} else {
				logger.FromCtx(ctx).Warn("dependency probe failed", logger.Err(err))
			}
			s.SetServing(healthy)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Shutdown помечает сервис NOT_SERVING и дожидается активных вызовов.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
