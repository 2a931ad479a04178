package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/dispatch"
	"github.com/openjobspec/ojs-campaigns-nats/internal/engine"
	"github.com/openjobspec/ojs-campaigns-nats/internal/ledger"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
	natsbackend "github.com/openjobspec/ojs-campaigns-nats/internal/nats"
	"github.com/openjobspec/ojs-campaigns-nats/internal/scheduler"
	"github.com/openjobspec/ojs-campaigns-nats/internal/server"
)

const healthService = "campaigns.v1.Scheduler"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("campaign server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	clock, err := core.NewBusinessClock(cfg.Timezone)
	if err != nil {
		return err
	}

	// Connect to NATS
	backend, err := natsbackend.New(cfg.NatsURL, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL)

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics.Init(core.Version, "nats")

	alerts := natsbackend.NewAlertPublisher(backend.JetStream(), slog.Default())
	eng, err := engine.New(cfg.Engine(), engine.Deps{
		Campaigns: backend,
		Owners:    backend,
		Proxies:   backend.Proxies(cfg.Pools()),
		Accounts:  backend.Accounts(cfg.Pools()),
		Action:    natsbackend.NewActionClient(backend.Conn(), cfg.Class),
		Alerts:    alerts,
		Ledger:    store,
		Clock:     clock,
		State:     dispatch.NewState(cfg.Limits()),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(alerts, slog.Default())
	for _, sweep := range []struct {
		name, spec string
		run        scheduler.Func
	}{
		{"intake", cfg.Sweeps.Intake, eng.Intake},
		{"poll", cfg.Sweeps.Poll, eng.Poll},
		{"reconcile", cfg.Sweeps.Reconcile, eng.Reconcile},
		{"funds", cfg.Sweeps.Funds, eng.RecoverFunds},
		{"outbox", cfg.Sweeps.Outbox, eng.DrainOutboxes},
	} {
		if err := sched.Add(sweep.name, sweep.spec, sweep.run); err != nil {
			return fmt.Errorf("sweep %s: %w", sweep.name, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	sched.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.NewRouter(eng, backend.Health),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("campaign server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPCPort, err)
		}
		slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		healthSrv.Shutdown()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		eng.Close()
		return nil
	})

	return g.Wait()
}
