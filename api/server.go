/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. RateLimit:  Per-IP request budget on /api (httprate), when configured

ROUTE GROUPS:
  /api/documents/*      Document lifecycle
  /api/availability     Ledger reads
  /api/balances
  /api/opening-balance
  /api/stock-card
  /api/stock-logs
  /api/reconciliation
  /api/reference        Reference data
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition
  /health               Liveness

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	// AllowedOrigins defaults to the local frontend dev servers.
	AllowedOrigins []string

	// RateLimit is the per-IP request budget per minute on /api. Zero disables it.
	RateLimit int

	Logger zerolog.Logger

	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", opts.MetricsHandler)

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.Limit(opts.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}

		// Document routes
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.CreateDocument)
			r.Get("/{no}", h.GetDocument)
			r.Post("/{no}/lines", h.AddLine)
			r.Put("/{no}/lines/{lineID}", h.EditLine)
			r.Delete("/{no}/lines/{lineID}", h.RemoveLine)
			r.Post("/{no}/approve", h.ApproveDocument)
			r.Post("/{no}/cancel", h.CancelDocument)
		})

		// Ledger routes
		r.Get("/availability", h.GetAvailability)
		r.Get("/balances", h.GetBalances)
		r.Get("/opening-balance", h.GetOpeningBalance)
		r.Get("/stock-card", h.GetStockCard)
		r.Get("/stock-logs", h.ListStockLogs)
		r.Get("/reconciliation", h.GetReconciliation)

		// Reference data routes
		r.Get("/reference", h.GetReference)
		r.Post("/reference", h.UpdateReference)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := log.Info()
			if status >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}
