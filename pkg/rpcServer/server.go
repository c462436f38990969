// Package rpcServer exposes the award orchestrator and ledger reads over HTTP.
package rpcServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/Layr-Labs/xp-ledger/internal/version"
	"github.com/Layr-Labs/xp-ledger/pkg/awardOrchestrator"
	"github.com/Layr-Labs/xp-ledger/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type RpcServerConfig struct {
	Port           int
	AllowedOrigins []string
	// MetricsEnabled mounts the prometheus handler on /metrics.
	MetricsEnabled  bool
	ShutdownTimeout time.Duration
}

func ConvertGlobalConfigToRpcServerConfig(cfg *config.Config) *RpcServerConfig {
	return &RpcServerConfig{
		Port:            cfg.HttpConfig.Port,
		AllowedOrigins:  cfg.HttpConfig.AllowedOrigins,
		MetricsEnabled:  cfg.PrometheusConfig.Enabled,
		ShutdownTimeout: 10 * time.Second,
	}
}

type RpcServer struct {
	config       *RpcServerConfig
	orchestrator *awardOrchestrator.AwardOrchestrator
	sink         *metrics.MetricsSink
	Logger       *zap.Logger

	router *chi.Mux
}

func NewRpcServer(
	cfg *RpcServerConfig,
	orchestrator *awardOrchestrator.AwardOrchestrator,
	sink *metrics.MetricsSink,
	l *zap.Logger,
) *RpcServer {
	rpc := &RpcServer{
		config:       cfg,
		orchestrator: orchestrator,
		sink:         sink,
		Logger:       l,
	}
	rpc.router = rpc.routes()
	return rpc
}

func (rpc *RpcServer) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rpc.instrument)

	r.Post("/award-swap", rpc.AwardSwap)
	r.Post("/award", rpc.Award)
	r.Route("/players/{wallet}", func(r chi.Router) {
		r.Get("/", rpc.GetPlayer)
		r.Get("/awards", rpc.ListAwards)
	})
	r.Get("/healthz", rpc.Health)
	r.Get("/version", rpc.Version)

	if rpc.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// Handler returns the router wrapped with CORS handling.
func (rpc *RpcServer) Handler() http.Handler {
	origins := rpc.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(rpc.router)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (rpc *RpcServer) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", rpc.config.Port),
		Handler:           rpc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rpc.Logger.Sugar().Infow("Starting http server", zap.Int("port", rpc.config.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rpc.Logger.Sugar().Infow("Shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rpc.config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (rpc *RpcServer) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := rpc.orchestrator.PendingCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pendingFallback": pending,
	})
}

func (rpc *RpcServer) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.GetVersion(),
		"commit":  version.GetCommit(),
	})
}
