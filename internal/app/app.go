// Package app assembles the payment ledgers, the disbursement scheduler and
// their collaborators into one unit shared by the server and worker
// commands.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/callback"
	commercepg "github.com/frahmantamala/soko-payments/internal/commerce/postgres"
	"github.com/frahmantamala/soko-payments/internal/core/events"
	"github.com/frahmantamala/soko-payments/internal/disbursement"
	disbursementpg "github.com/frahmantamala/soko-payments/internal/disbursement/postgres"
	"github.com/frahmantamala/soko-payments/internal/mpesa"
	"github.com/frahmantamala/soko-payments/internal/notification"
	"github.com/frahmantamala/soko-payments/internal/payment"
	paymentpg "github.com/frahmantamala/soko-payments/internal/payment/postgres"
	"github.com/frahmantamala/soko-payments/internal/transport/rest"
	"github.com/frahmantamala/soko-payments/internal/worker"
	"github.com/frahmantamala/soko-payments/pkg/metrics"
)

type Params struct {
	Config *internal.Config
	// DB holds the ledgers; Commerce reads the storefront tables. Both may
	// share one connection pool.
	DB       *gorm.DB
	Commerce *sqlx.DB
	// Gateway defaults to the mpesa client built from Config.Mpesa.
	Gateway mpesa.Gateway
	// Sink defaults to NoopSink.
	Sink notification.Sink
	// Registry defaults to a fresh registry with the process collectors.
	Registry *prometheus.Registry
	// Health checks exposed on /api/v1/health.
	Health map[string]rest.Pinger
	Logger *slog.Logger
	Clock  func() time.Time
	// SyncEvents runs event handlers inline instead of on their own
	// goroutines.
	SyncEvents bool
}

type App struct {
	Config        *internal.Config
	Bus           *events.EventBus
	Payments      *payment.Service
	Disbursements *disbursement.Service
	Scheduler     *disbursement.Scheduler
	Callbacks     *callback.Processor
	Sink          notification.Sink
	Registry      *prometheus.Registry
	JobMetrics    *metrics.JobMetrics

	health map[string]rest.Pinger
	logger *slog.Logger
}

func New(params Params) (*App, error) {
	if params.Config == nil {
		return nil, errors.New("config required")
	}
	if params.DB == nil || params.Commerce == nil {
		return nil, errors.New("database connections required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	cfg := params.Config

	registry := params.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	sink := params.Sink
	if sink == nil {
		sink = notification.NoopSink{}
	}
	gateway := params.Gateway
	if gateway == nil {
		gateway = mpesa.NewClient(mpesa.ConfigFrom(cfg.Mpesa), params.Logger.With("component", "mpesa"))
	}

	bus := events.NewEventBus(params.Logger)
	var publisher events.Publisher = bus
	if params.SyncEvents {
		publisher = events.SyncPublisher{Bus: bus}
	}

	commerceRepo := commercepg.NewRepository(params.Commerce)

	paymentOpts := []payment.Option{
		payment.WithCountryCode(cfg.Mpesa.CountryCode),
		payment.WithDefaultCurrency(cfg.Payment.Currency),
	}
	disbursementOpts := []disbursement.Option{
		disbursement.WithRetryPolicy(disbursement.NewRetryPolicy(cfg.Disbursement)),
		disbursement.WithMetrics(metrics.NewDisbursementMetrics(registry)),
	}
	if params.Clock != nil {
		paymentOpts = append(paymentOpts, payment.WithClock(params.Clock))
		disbursementOpts = append(disbursementOpts, disbursement.WithClock(params.Clock))
	}

	payments := payment.NewService(
		paymentpg.NewPaymentRepository(params.DB),
		commerceRepo,
		gateway,
		publisher,
		params.Logger.With("component", "payment"),
		paymentOpts...,
	)
	disbursements := disbursement.NewService(
		disbursementpg.NewDisbursementRepository(params.DB),
		publisher,
		params.Logger.With("component", "disbursement"),
		disbursementOpts...,
	)
	scheduler := disbursement.NewScheduler(disbursement.SchedulerParams{
		Ledger:    disbursements,
		Payments:  payments,
		Orders:    commerceRepo,
		Artisans:  commerceRepo,
		Gateway:   gateway,
		Publisher: publisher,
		Dispatcher: disbursement.DispatcherConfig{
			MaxWorkers: cfg.Disbursement.MaxWorkers,
			QueueSize:  cfg.Disbursement.QueueSize,
		},
		Logger: params.Logger.With("component", "scheduler"),
		Clock:  params.Clock,
	})
	processor := callback.NewProcessor(
		payments,
		disbursements,
		callback.ConfigFrom(cfg.Callback),
		metrics.NewCallbackMetrics(registry),
		params.Logger.With("component", "callback"),
	)

	disbursement.NewEventHandler(scheduler, params.Logger).RegisterEventHandlers(bus)
	notification.NewEventHandler(sink, cfg.Notification.OperatorChannel, params.Logger).RegisterEventHandlers(bus)

	return &App{
		Config:        cfg,
		Bus:           bus,
		Payments:      payments,
		Disbursements: disbursements,
		Scheduler:     scheduler,
		Callbacks:     processor,
		Sink:          sink,
		Registry:      registry,
		JobMetrics:    metrics.NewJobMetrics(registry),
		health:        params.Health,
		logger:        params.Logger,
	}, nil
}

// Handler builds the HTTP surface. The websocket endpoint is mounted only
// when the sink is a WebSocketSink.
func (a *App) Handler() http.Handler {
	routes := rest.Routes{
		Payments:       payment.NewHandler(a.Payments, a.Disbursements, a.logger),
		Callbacks:      callback.NewHandler(a.Callbacks, a.logger),
		Health:         rest.NewHealthHandler(a.health),
		AllowedOrigins: a.Config.Server.Origins(),
		Logger:         a.logger,
	}
	if ws, ok := a.Sink.(*notification.WebSocketSink); ok {
		routes.Notifications = ws
	}
	if a.Config.Observability.Metrics.Enabled {
		routes.Metrics = metrics.Handler(a.Registry)
		routes.MetricsPath = a.Config.Observability.Metrics.Path
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, routes)
	return router
}

// Jobs is the sweep registry run by the worker.
func (a *App) Jobs() (*worker.Registry, error) {
	cfg := a.Config
	retry, err := worker.NewRetryJob(a.Scheduler, cfg.Disbursement.BatchSize, a.logger.With("job", worker.JobDisbursementRetry))
	if err != nil {
		return nil, err
	}
	recovery, err := worker.NewSplitRecoveryJob(a.Scheduler, cfg.Disbursement.BatchSize, a.logger.With("job", worker.JobSplitRecovery))
	if err != nil {
		return nil, err
	}
	expiry, err := worker.NewExpiryJob(a.Payments, cfg.Payment.InitiationExpiry, cfg.Disbursement.BatchSize, a.logger.With("job", worker.JobPaymentInitiationExpiry))
	if err != nil {
		return nil, err
	}
	return worker.NewRegistry(expiry, retry, recovery), nil
}

// Shutdown stops the dispatcher and waits for in-flight event handlers.
func (a *App) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.Scheduler.Shutdown()
		a.Bus.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out with work in flight")
	}
}
