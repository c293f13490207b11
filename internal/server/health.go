package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the worker pool.
const ServiceName = "contract-tables.pool"

// Health wraps the standard gRPC health server. The pool service is
// NOT_SERVING until SetRunning(true).
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetRunning has the signature of the pool's state hook.
func (h *Health) SetRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(ServiceName, status)
}

// Check returns the current status of service.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Config names the listen addresses; an empty address disables that server.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Serve runs the HTTP and gRPC servers until ctx is cancelled, then shuts
// both down gracefully.
func Serve(ctx context.Context, cfg Config, router http.Handler, h *Health, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddr != "" {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("http.listen", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.GRPCAddr != "" && h != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, h.srv)
		g.Go(func() error {
			logger.Info("grpc.listen", "addr", cfg.GRPCAddr)
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			h.srv.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	logger.Info("server.stopped", "error", err)
	return err
}
