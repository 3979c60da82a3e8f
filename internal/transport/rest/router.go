package rest

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/soko-payments/api"
	"github.com/frahmantamala/soko-payments/internal/callback"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
	"github.com/frahmantamala/soko-payments/internal/payment"
	"github.com/frahmantamala/soko-payments/internal/transport/middleware"
	"github.com/frahmantamala/soko-payments/internal/transport/swagger"
)

const apiPrefix = "/api/v1"

// Routes holds every handler the HTTP server mounts. Nil handlers are
// skipped.
type Routes struct {
	Payments       *payment.Handler
	Callbacks      *callback.Handler
	Notifications  http.Handler
	Metrics        http.Handler
	MetricsPath    string
	Health         *HealthHandler
	AllowedOrigins []string
	Logger         *slog.Logger
}

func RegisterAllRoutes(router chi.Router, routes Routes) {
	logger := routes.Logger
	health := routes.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}

	router.Use(middleware.CORS(routes.AllowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	router.Get(swagger.SpecURL, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPI)
	})
	router.Handle("/swagger/*", swagger.Handler())

	if routes.Metrics != nil {
		path := routes.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, routes.Metrics)
	}

	router.Route(apiPrefix, func(r chi.Router) {
		r.Get("/health", health.healthCheckHandler)
		r.Get("/ping", health.pingHandler)

		if routes.Payments != nil {
			r.Post("/payments", routes.Payments.InitiatePayment)
			r.Get("/payments/{id}", routes.Payments.GetPayment)
		}

		if routes.Notifications != nil {
			r.Handle("/notifications/ws", routes.Notifications)
		}

		// must match the URLs the mpesa client advertises
		if routes.Callbacks != nil {
			r.Post(apiRelative(mpesa.CollectionCallbackPath), routes.Callbacks.CollectionCallback)
			r.Post(apiRelative(mpesa.DisbursementResultPath), routes.Callbacks.DisbursementResult)
			r.Post(apiRelative(mpesa.DisbursementTimeoutPath), routes.Callbacks.DisbursementTimeout)
		}
	})
}

func apiRelative(path string) string {
	return strings.TrimPrefix(path, apiPrefix)
}
