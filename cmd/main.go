package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/messenger/config"
	"github.com/cwrk-planet/messenger/internal/auth"
	"github.com/cwrk-planet/messenger/internal/cluster"
	"github.com/cwrk-planet/messenger/internal/delivery"
	"github.com/cwrk-planet/messenger/internal/directory"
	"github.com/cwrk-planet/messenger/internal/directory/memdir"
	"github.com/cwrk-planet/messenger/internal/gateway"
	"github.com/cwrk-planet/messenger/internal/metrics"
	"github.com/cwrk-planet/messenger/internal/postgres"
	"github.com/cwrk-planet/messenger/internal/presence"
	"github.com/cwrk-planet/messenger/internal/registry"
	"github.com/cwrk-planet/messenger/internal/service"
	"github.com/cwrk-planet/messenger/internal/store"
	"github.com/cwrk-planet/messenger/internal/store/memory"
	grpcx "github.com/cwrk-planet/messenger/internal/transport/grpc"
	httpx "github.com/cwrk-planet/messenger/internal/transport/http"
	"github.com/cwrk-planet/messenger/internal/transport/ws"
	"github.com/cwrk-planet/messenger/pkg/logger"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type backend struct {
	store store.MessageStore
	users directory.Directory
	probe grpcx.Probe
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.Storage.Backend == config.StorageMemory {
		slog.Warn("using in-memory storage, data is lost on restart")
		return &backend{
			store: memory.New(memory.WithMaxContentLength(cfg.Realtime.MaxContentLength)),
			users: memdir.New(memdir.AcceptUnknown()),
			close: func() {},
		}, nil
	}

	pool, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	return &backend{
		store: postgres.NewMessageRepo(pool, cfg.Realtime.MaxContentLength),
		users: postgres.NewUserRepo(pool),
		probe: func(ctx context.Context) error { return postgres.Ping(ctx, pool) },
		close: pool.Close,
	}, nil
}

func newVerifier(cfg config.Auth) (*auth.Verifier, error) {
	opts := auth.Options{Issuer: cfg.Issuer, Audience: cfg.Audience, ClockSkew: cfg.ClockSkew}
	if cfg.PublicKeyPath != "" {
		pub, err := auth.LoadRSAPublicKeyFromPEM(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return auth.NewRS256(pub, opts), nil
	}
	return auth.NewHS256(cfg.JWTSecret, opts), nil
}

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     logger.ParseLevel(cfg.Logging.Level),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting messenger",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "storage", cfg.Storage.Backend)

	// W3C traceparent в заголовках NATS между узлами
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- storage ---
	be, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer be.close()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// --- realtime core ---
	m := metrics.New()
	reg := registry.New()
	router := delivery.NewRouter(reg, nil,
		delivery.WithTimeout(cfg.Realtime.DeliveryTimeout),
		delivery.WithMetrics(m),
	)
	tracker := presence.New(reg, be.users, router, presence.WithTypingTTL(cfg.Realtime.TypingTTL))
	tracker.Attach(reg)

	svc := service.NewConversationService(be.store, be.users, router, tracker,
		service.WithMetrics(m),
		service.WithMaxContentLength(cfg.Realtime.MaxContentLength),
	)
	gw := gateway.New(reg, svc, gateway.Config{
		RatePerSecond: cfg.Realtime.RateLimitRPS,
		Burst:         cfg.Realtime.RateLimitBurst,
	}, m)
	router.SetSender(gw)

	// --- cluster relay ---
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = cluster.Connect(cfg.NATS.URL, cfg.NATS.User, cfg.NATS.Pass, cfg.Logging.Service+"@"+cfg.NATS.Node)
		if err != nil {
			log.Fatalf("nats: %v", err)
		}
		relay := cluster.NewRelay(nc, cfg.NATS.Node, router)
		if err := relay.Start(); err != nil {
			log.Fatalf("nats subscribe: %v", err)
		}
		defer relay.Stop()
		router.SetRelay(relay)
		slog.Info("cluster relay enabled", "url", cfg.NATS.URL, "node", cfg.NATS.Node)
	}

	go tracker.Run(ctx, cfg.Realtime.TypingSweep)

	// --- HTTP + WS ---
	wsServer := ws.NewServer(gw, verifier, ws.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingEvery:      cfg.Realtime.PingEvery,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
		MaxFrameBytes:  cfg.Realtime.MaxFrameBytes,
	})
	handler := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(svc, tracker),
		Auth:           verifier,
		Sessions:       gw,
		WS:             wsServer.HandleWS,
		Metrics:        m.Handler(),
		MetricsPath:    cfg.Metrics.Path,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimitRPS:   cfg.Realtime.RateLimitRPS,
		RateLimitBurst: cfg.Realtime.RateLimitBurst,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout, // на hijacked ws-соединения не действует
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- run servers ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpcx.Server
	if cfg.GRPC.Addr != "" {
		grpcSrv = grpcx.NewServer()
		probe := be.probe
		if nc != nil {
			pgProbe := probe
			probe = func(ctx context.Context) error {
				if !nc.IsConnected() {
					return errors.New("nats not connected")
				}
				if pgProbe != nil {
					return pgProbe(ctx)
				}
				return nil
			}
		}
		go grpcSrv.Watch(ctx, probe, 10*time.Second)

		go func() {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				errCh <- err
				return
			}
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			if err := grpcSrv.GRPC().Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", logger.Err(err))
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.Shutdown()
	}
	if err := httpSrv.Shutdown(ctxShutdown); err != nil {
		slog.Warn("http shutdown", logger.Err(err))
	}
	// hijacked ws-соединения Shutdown не закрывает
	gw.Close()
	stop()
	if nc != nil {
		_ = nc.Drain()
	}
	slog.Info("stopped", "sessions_left", reg.Count())
}
