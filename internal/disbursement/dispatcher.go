package disbursement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrDispatcherStopped = errors.New("disbursement dispatcher stopped")

type attemptJob struct {
	DisbursementID string
	done           func()
}

type worker struct {
	ID         int
	WorkerPool chan chan attemptJob
	JobChannel chan attemptJob
	Logger     *slog.Logger
}

func newWorker(id int, workerPool chan chan attemptJob, logger *slog.Logger) *worker {
	return &worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan attemptJob),
		Logger:     logger,
	}
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(attemptJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker processing disbursement", "worker_id", w.ID, "disbursement_id", job.DisbursementID)
				process(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type DispatcherConfig struct {
	MaxWorkers int
	QueueSize  int
}

// Dispatcher runs disbursement attempts on a bounded pool. A job that has
// started always runs to completion; Shutdown only stops idle workers.
type Dispatcher struct {
	jobQueue   chan attemptJob
	workerPool chan chan attemptJob
	maxWorkers int
	attempt    func(ctx context.Context, disbursementID string)
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewDispatcher(cfg DispatcherConfig, attempt func(ctx context.Context, disbursementID string), logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Dispatcher{
		jobQueue:   make(chan attemptJob, queueSize),
		workerPool: make(chan chan attemptJob, maxWorkers),
		maxWorkers: maxWorkers,
		attempt:    attempt,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers and the dispatch loop once.
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		for i := 0; i < d.maxWorkers; i++ {
			newWorker(i, d.workerPool, d.logger).start(d.ctx, &d.wg, d.process)
		}

		d.wg.Add(1)
		go d.dispatch()

		d.logger.Info("disbursement worker pool started",
			"max_workers", d.maxWorkers,
			"queue_size", cap(d.jobQueue))
	})
}

func (d *Dispatcher) process(job attemptJob) {
	if job.done != nil {
		defer job.done()
	}
	d.attempt(context.WithoutCancel(d.ctx), job.DisbursementID)
}

func (d *Dispatcher) dispatch() {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.jobQueue:
			select {
			case jobChannel := <-d.workerPool:
				select {
				case jobChannel <- job:
				case <-d.ctx.Done():
					d.logger.Info("dispatcher shutting down")
					return
				}
			case <-d.ctx.Done():
				d.logger.Info("dispatcher shutting down")
				return
			}
		case <-d.ctx.Done():
			d.logger.Info("dispatcher shutting down")
			return
		}
	}
}

// RunBatch queues every id and waits until all queued attempts finished, or
// ctx or the dispatcher ends first. Ids that could not be queued are left for
// the next sweep.
func (d *Dispatcher) RunBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	d.Start()

	var batch sync.WaitGroup
	var queueErr error
	for _, id := range ids {
		batch.Add(1)
		job := attemptJob{DisbursementID: id, done: batch.Done}
		select {
		case d.jobQueue <- job:
			continue
		case <-ctx.Done():
			queueErr = ctx.Err()
		case <-d.ctx.Done():
			queueErr = ErrDispatcherStopped
		}
		batch.Done()
		break
	}

	finished := make(chan struct{})
	go func() {
		batch.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return queueErr
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) Shutdown() {
	d.logger.Info("shutting down disbursement dispatcher")
	d.cancel()
	d.wg.Wait()
	d.logger.Info("disbursement dispatcher shutdown complete")
}
