package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/soko-payments/pkg/metrics"
)

const defaultInterval = time.Minute

type RunnerParams struct {
	Logger   *slog.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.JobMetrics
	Interval time.Duration
}

// Runner executes every registered job once per interval, holding Lock for
// the whole cycle.
type Runner struct {
	logger   *slog.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.JobMetrics
	interval time.Duration
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{
		logger:   params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run sweeps immediately and then on every tick until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("sweep cycle failed", "error", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweep runner stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("sweep cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single cycle. A cycle is skipped when another holder
// owns the lock. A failing job does not stop the ones after it.
func (r *Runner) RunOnce(ctx context.Context) error {
	locked, err := r.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !locked {
		r.logger.Info("another worker holds the sweep lock, skipping cycle")
		return nil
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("failed to release sweep lock", "error", err)
		}
	}()

	for _, job := range r.registry.Jobs() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.runJob(ctx, job)
	}
	return nil
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	log := r.logger.With("job", job.Name())
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	r.metrics.ObserveDuration(job.Name(), elapsed)

	if err != nil {
		log.Error("job failed", "error", err, "duration_ms", elapsed.Milliseconds())
		r.metrics.IncFailure(job.Name())
		return
	}
	log.Debug("job completed", "duration_ms", elapsed.Milliseconds())
	r.metrics.IncSuccess(job.Name())
}
