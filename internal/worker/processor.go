// Package worker runs queued ingestion tasks and reports their outcomes to the job controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/telemetry"
)

// Handler executes one task kind.
type Handler interface {
	Handle(ctx context.Context, task models.Task) jobs.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task models.Task) jobs.Outcome

func (f HandlerFunc) Handle(ctx context.Context, task models.Task) jobs.Outcome {
	return f(ctx, task)
}

// Queue is the part of the broker the worker loop needs.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (models.Task, bool, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	Ack(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, id string) error
	Retained(ctx context.Context, id string) (bool, error)
}

// Options tune a Processor.
type Options struct {
	WorkerID           string
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	ScheduledBatchSize int
}

// Processor drives the worker execution loop.
type Processor struct {
	opts     Options
	queue    Queue
	ctrl     *jobs.Controller
	handlers map[models.TaskKind]Handler
	log      logger.Logger
}

func NewProcessor(opts Options, q Queue, ctrl *jobs.Controller, log logger.Logger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	if log == nil {
		log = logger.NewNop()
	}
	if opts.WorkerID != "" {
		log = log.With(logger.String("worker_id", opts.WorkerID))
	}
	return &Processor{
		opts:     opts,
		queue:    q,
		ctrl:     ctrl,
		handlers: make(map[models.TaskKind]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a task kind. Call before Run.
func (p *Processor) RegisterHandler(kind models.TaskKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		processed, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("dequeue failed", logger.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollDelay()):
		}
	}
}

// housekeeping makes due retries visible and reclaims tasks whose lease expired.
func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Warn("promote scheduled tasks", logger.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.opts.ScheduledBatchSize))
	if err != nil && ctx.Err() == nil {
		p.log.Warn("requeue expired leases", logger.Error(err))
	}
	if len(reclaimed) > 0 {
		p.log.Warn("reclaimed expired leases", logger.Strings("task_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
}

// RunOnce leases and processes at most one task. processed=false means the queue was empty.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, task)
	return true, nil
}

func (p *Processor) process(ctx context.Context, task models.Task) {
	log := p.log.With(
		logger.String("task_id", task.ID),
		logger.String("kind", string(task.Kind)),
		logger.Int("attempt", task.Attempt))

	if task.JobBound() {
		_, ok, err := p.ctrl.Begin(ctx, task.JobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			p.orphaned(ctx, log, task)
			return
		case err != nil:
			// Lease stays; the task is redelivered once it expires.
			log.Error("start job", logger.Error(err))
			return
		case !ok:
			p.ack(ctx, log, task.ID)
			return
		}
	}

	stop := p.heartbeat(ctx, task.ID)
	started := time.Now()
	outcome := p.execute(ctx, log, task)
	stop()

	decision, err := p.ctrl.Resolve(ctx, task, outcome)
	if errors.Is(err, jobs.ErrNotFound) {
		p.orphaned(ctx, log, task)
		return
	}
	if err != nil {
		log.Error("resolve outcome", logger.String("outcome", outcome.Kind.String()), logger.Error(err))
		return
	}
	log.Debug("task finished",
		logger.String("outcome", outcome.Kind.String()),
		logger.String("decision", decision.String()),
		logger.Duration("took", time.Since(started)))

	switch decision {
	case jobs.DecisionCompleted, jobs.DecisionSkipped:
		p.ack(ctx, log, task.ID)
	case jobs.DecisionFailed:
		if err := p.queue.DeadLetter(ctx, task.ID); err != nil {
			log.Error("dead-letter task", logger.Error(err))
		}
	case jobs.DecisionRetry:
		// DispatchAfter already moved the task off the in-flight set.
	}
}

// orphaned parks a task whose job record is gone. Retrying cannot fix it.
// A task cancelled along with its job has no body left and is only released.
func (p *Processor) orphaned(ctx context.Context, log logger.Logger, task models.Task) {
	retained, err := p.queue.Retained(ctx, task.ID)
	if err == nil && !retained {
		log.Info("task cancelled with its job", logger.String("job_id", task.JobID))
		p.ack(ctx, log, task.ID)
		return
	}
	log.Error("job record missing for task", logger.String("job_id", task.JobID))
	telemetry.ConsistencyErrors.Inc()
	if err := p.queue.DeadLetter(ctx, task.ID); err != nil {
		log.Error("dead-letter task", logger.Error(err))
	}
}

func (p *Processor) ack(ctx context.Context, log logger.Logger, id string) {
	if err := p.queue.Ack(ctx, id); err != nil {
		log.Error("ack task", logger.Error(err))
	}
}

// execute runs the registered handler. A panic is reported as a transient failure.
func (p *Processor) execute(ctx context.Context, log logger.Logger, task models.Task) (outcome jobs.Outcome) {
	handler, ok := p.handlers[task.Kind]
	if !ok {
		return jobs.PermanentFailure(fmt.Errorf("no handler registered for kind %q", task.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.HandlerPanics.Inc()
			log.Error("handler panic", logger.Any("panic", r))
			outcome = jobs.TransientFailure(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, task)
}

// heartbeat extends the lease every half visibility window until stopped.
func (p *Processor) heartbeat(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, p.opts.VisibilityTimeout); err != nil && ctx.Err() == nil {
					p.log.Warn("extend lease", logger.String("task_id", id), logger.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// pollDelay spreads idle polling of concurrent workers between half and the full interval.
func (p *Processor) pollDelay() time.Duration {
	half := p.opts.PollInterval / 2
	if half <= 0 {
		return p.opts.PollInterval
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
