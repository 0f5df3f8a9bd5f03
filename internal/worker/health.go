package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name workers report under, in addition
// to the empty overall name.
const ServiceName = "miles.worker"

const defaultProbeInterval = 10 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes the standard gRPC health service, reporting SERVING
// while the task queue answers pings.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthServer creates a health server probing pinger periodically.
func NewHealthServer(pinger Pinger, interval time.Duration, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &HealthServer{grpc: s, health: hs, pinger: pinger, interval: interval, logger: logger}
}

// ListenAndServe serves on addr until ctx is done.
func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.probe(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.grpc.Serve(lis)
	}()
	h.logger.Info("worker health server listening", "addr", lis.Addr().String())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			h.grpc.GracefulStop()
			return nil
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthServer) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("queue ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// HealthClientConfig holds configuration for the health client.
type HealthClientConfig struct {
	Address          string
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultHealthClientConfig returns default configuration for addr.
func DefaultHealthClientConfig(addr string) HealthClientConfig {
	return HealthClientConfig{
		Address:          addr,
		RequestTimeout:   2 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// HealthClient queries a worker's health service.
type HealthClient struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthClient builds a client. No network I/O happens until Check.
func NewHealthClient(cfg HealthClientConfig, logger *slog.Logger) (*HealthClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker health client for %s: %w", cfg.Address, err)
	}
	return &HealthClient{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

// Check returns the worker's serving status, e.g. "SERVING".
func (c *HealthClient) Check(ctx context.Context) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return "", fmt.Errorf("worker health check failed: %w", err)
	}
	return resp.GetStatus().String(), nil
}

// Close closes the connection.
func (c *HealthClient) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close worker health connection", "error", err)
	}
}
