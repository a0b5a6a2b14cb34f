package status

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// サービス名
const (
	ServiceControl = "carbot.control"
	ServiceTeleop  = "carbot.teleop"
	ServiceStream  = "carbot.stream"
)

// Health は gRPC の標準ヘルスチェックでコンポーネントの稼働状況を公開する
type Health struct {
	srv    *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewHealth はすべてのサービスを NOT_SERVING にした Health を返す
func NewHealth(logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	for _, s := range []string{ServiceControl, ServiceTeleop, ServiceStream} {
		h.health.SetServingStatus(s, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// SetServing はサービスの状態を設定する
func (h *Health) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, st)
}

// Serve は ln で待ち受ける。Close されるまで戻らない
func (h *Health) Serve(ln net.Listener) error {
	h.logger.Info("health service listening", "addr", ln.Addr().String())
	if err := h.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

// Close はすべてのサービスを NOT_SERVING にしてから止める
func (h *Health) Close() error {
	h.health.Shutdown()
	h.srv.GracefulStop()
	return nil
}
