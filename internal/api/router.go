package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/spdeepak/offlinecache"
)

// Options configures the router.
type Options struct {
	Logger *slog.Logger
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates the chi router serving the control endpoints and proxying
// everything else through the registration.
//
// Routes:
//   - GET /_worker/health - Liveness probe
//   - GET /_worker/status - Registration snapshot
//   - POST /_worker/message - Deliver a message such as SKIP_WAITING
//   - POST /_worker/clients - Open a client (page) and return its ID
//   - DELETE /_worker/clients/{id} - Close a client
//   - GET /metrics - Prometheus metrics (optional)
//   - /* - Proxied through the active worker
func NewRouter(reg *offlinecache.Registration, origin *url.URL, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	h := &workerHandler{reg: reg, log: logger}
	r.Route("/_worker", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Post("/message", h.Message)
		r.Post("/clients", h.OpenClient)
		r.Delete("/clients/{id}", h.CloseClient)
	})

	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	proxy := offlinecache.NewClientMiddleware(reg)(offlinecache.NewProxyHandler(reg, origin, logger))
	r.Handle("/*", proxy)

	return r
}

// requestLogger logs every request at DEBUG with its status and duration.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("Request completed",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("cache", ww.Header().Get(offlinecache.CacheStatusHeader)),
				slog.String("duration", time.Since(start).String()),
			)
		})
	}
}
