// Package httpserver wires the gateway's HTTP surface: the signed invoice
// API, the admin-key-protected operational routes, and /metrics.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/qrisgate/server/internal/auth"
	"github.com/qrisgate/server/internal/config"
	gwerrors "github.com/qrisgate/server/internal/errors"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/ratelimit"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Handlers *Handlers
	Auth     *auth.Middleware
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Config   config.Config
}

// NewRouter assembles the full route tree.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(securityHeaders)

	if len(deps.Config.Server.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.Config.Server.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{
				"Accept", "Content-Type",
				auth.HeaderAPIKey, auth.HeaderTimestamp, auth.HeaderNonce, auth.HeaderSignature,
			},
			MaxAge: 300,
		}))
	}

	// Signed gateway surface. Payment paths poll the upstream, so they get
	// a longer budget than the light read routes.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(ratelimit.Middleware(deps.Config.RateLimit, deps.Metrics))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Second))
			r.Get("/health", deps.Handlers.Health)
			r.Get("/invoices", deps.Handlers.ListInvoices)
			r.Get("/invoices/{id}", deps.Handlers.GetInvoice)
			r.Get("/invoices/{id}/events", deps.Handlers.ListEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/invoices", deps.Handlers.CreateInvoice)
			r.Post("/invoices/{id}/check", deps.Handlers.CheckInvoice)
			r.Post("/invoices/{id}/refunds", deps.Handlers.RefundInvoice)
		})
	})

	// Operational surface, guarded by the static admin key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Use(adminOnly(deps.Config.Server.AdminAPIKey))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
		}
		r.Get("/admin/alerts", deps.Handlers.ListAlerts)
		r.Post("/admin/alerts/{id}/resolve", deps.Handlers.ResolveAlert)
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// adminOnly gates operational routes on a static key. An unset key disables
// the whole surface rather than leaving it open.
func adminOnly(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
				gwerrors.WriteSimple(w, gwerrors.CodeForbidden, "admin access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
