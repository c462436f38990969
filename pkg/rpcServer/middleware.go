package rpcServer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Layr-Labs/xp-ledger/pkg/metrics/metricsTypes"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// instrument records a request counter and latency per route pattern.
func (rpc *RpcServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []metricsTypes.MetricsLabel{
			{Name: "method", Value: r.Method},
			{Name: "pattern", Value: pattern},
			{Name: "status_code", Value: strconv.Itoa(status)},
		}
		duration := time.Since(start)
		rpc.sink.Incr(metricsTypes.Metric_Incr_HttpRequest, labels, 1)
		rpc.sink.Timing(metricsTypes.Metric_Timing_HttpDuration, duration, labels)

		rpc.Logger.Sugar().Debugw("Handled request",
			zap.String("requestId", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("pattern", pattern),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	})
}
