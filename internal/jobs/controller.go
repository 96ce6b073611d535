package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/models"
	"file-ingestion-service/internal/telemetry"
)

const (
	retryErrorLimit = 200
	finalErrorLimit = 500

	// AdminRetryMessage is written on a job reset by an operator.
	AdminRetryMessage = "Retried from admin"
)

// Decision tells the worker what the controller did with an outcome.
type Decision int

const (
	// DecisionCompleted means the job (or task) finished successfully.
	DecisionCompleted Decision = iota
	// DecisionRetry means the task was re-dispatched with a delay.
	DecisionRetry
	// DecisionFailed means the job reached failed; the task should be dead-lettered.
	DecisionFailed
	// DecisionSkipped means the outcome no longer applied (stale delivery).
	DecisionSkipped
)

func (d Decision) String() string {
	switch d {
	case DecisionCompleted:
		return "completed"
	case DecisionRetry:
		return "retry"
	case DecisionFailed:
		return "failed"
	case DecisionSkipped:
		return "skipped"
	}
	return "unknown"
}

// Controller moves jobs through queued → running → completed|failed.
type Controller struct {
	repo       Repository
	dispatcher Dispatcher
	policies   Policies
	log        logger.Logger
	now        func() time.Time
}

// NewController wires the controller. A nil dispatcher disables automatic retries;
// transient failures then fail the job.
func NewController(repo Repository, dispatcher Dispatcher, policies Policies, log logger.Logger) *Controller {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{
		repo:       repo,
		dispatcher: dispatcher,
		policies:   policies,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Policies returns the retry policy table in use.
func (c *Controller) Policies() Policies {
	return c.policies
}

func (c *Controller) newJob(fingerprint string, channel models.Channel) models.Job {
	now := c.now()
	return models.Job{
		ID:            uuid.New().String(),
		FileHash:      fingerprint,
		IngestionType: channel,
		Status:        models.StatusRunning,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create records a new job for an accepted payload. Jobs start running because
// they are dispatched immediately after creation.
func (c *Controller) Create(ctx context.Context, fingerprint string, channel models.Channel) (models.Job, error) {
	job := c.newJob(fingerprint, channel)
	if err := c.repo.Create(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	c.logTransition("job created", job)
	telemetry.JobsCreated.WithLabelValues(string(channel)).Inc()
	return job, nil
}

// CreateExclusive is Create with insert-or-fetch semantics on (fingerprint, channel).
// existed reports that another job already held the key and was returned instead.
func (c *Controller) CreateExclusive(ctx context.Context, fingerprint string, channel models.Channel) (models.Job, bool, error) {
	stored, existed, err := c.repo.CreateExclusive(ctx, c.newJob(fingerprint, channel))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("create job: %w", err)
	}
	if existed {
		c.log.Info("job already exists for fingerprint",
			logger.String("job_id", stored.ID),
			logger.String("channel", string(channel)),
			logger.String("status", string(stored.Status)))
		return stored, true, nil
	}
	c.logTransition("job created", stored)
	telemetry.JobsCreated.WithLabelValues(string(channel)).Inc()
	return stored, false, nil
}

// Begin is called by a worker before running a job-bound task. It moves a queued
// job to running. ok=false means the job is already terminal and the delivery is stale.
// A missing job is a consistency error and is returned wrapped in ErrNotFound.
func (c *Controller) Begin(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, false, err
	}
	switch job.Status {
	case models.StatusRunning:
		return job, true, nil
	case models.StatusQueued:
		updated, err := c.repo.Update(ctx, jobID, Update{
			Status:       StatusPtr(models.StatusRunning),
			ExpectStatus: []models.Status{models.StatusQueued},
		})
		if err != nil {
			return models.Job{}, false, fmt.Errorf("start job: %w", err)
		}
		c.logTransition("job started", updated)
		return updated, true, nil
	default:
		c.log.Warn("skipping delivery for terminal job",
			logger.String("job_id", job.ID),
			logger.String("status", string(job.Status)))
		return job, false, nil
	}
}

// Succeed marks a running job completed and merges the result fields.
func (c *Controller) Succeed(ctx context.Context, jobID string, result models.Result, message string) (models.Job, error) {
	u := Update{
		Status:       StatusPtr(models.StatusCompleted),
		Result:       result,
		ExpectStatus: []models.Status{models.StatusRunning},
	}
	if message != "" {
		u.Message = &message
	}
	job, err := c.repo.Update(ctx, jobID, u)
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job: %w", err)
	}
	c.logTransition("job completed", job)
	telemetry.JobsCompleted.WithLabelValues(string(job.IngestionType)).Inc()
	return job, nil
}

// FailTransiently records a retry on job and re-dispatches task with backoff.
// Once the retry bound is reached the job is failed instead.
func (c *Controller) FailTransiently(ctx context.Context, job models.Job, task models.Task, cause error) (models.Job, Decision, error) {
	policy := c.policies.For(task.Kind)
	if job.RetryCount >= policy.MaxRetries || c.dispatcher == nil {
		failed, err := c.FailPermanently(ctx, job.ID, cause)
		return failed, DecisionFailed, err
	}

	n := job.RetryCount + 1
	msg := fmt.Sprintf("Retry %d/%d - Previous error: %s", n, policy.MaxRetries, truncate(cause.Error(), retryErrorLimit))
	updated, err := c.repo.Update(ctx, job.ID, Update{
		Status:       StatusPtr(models.StatusRunning),
		RetryCount:   &n,
		Message:      &msg,
		ExpectStatus: []models.Status{models.StatusRunning},
	})
	if err != nil {
		return models.Job{}, DecisionSkipped, fmt.Errorf("record retry: %w", err)
	}

	delay := policy.Delay(n)
	task.Attempt = n
	if err := c.dispatcher.DispatchAfter(ctx, task, delay); err != nil {
		c.log.Error("failed to schedule retry", logger.String("job_id", job.ID), logger.Error(err))
		failed, ferr := c.FailPermanently(ctx, job.ID, fmt.Errorf("schedule retry: %w (previous error: %v)", err, cause))
		return failed, DecisionFailed, ferr
	}

	c.log.Warn("job retry scheduled",
		logger.String("job_id", updated.ID),
		logger.String("channel", string(updated.IngestionType)),
		logger.Int("retry_count", updated.RetryCount),
		logger.Int("max_retries", policy.MaxRetries),
		logger.Duration("delay", delay),
		logger.Error(cause))
	telemetry.JobRetries.WithLabelValues(string(task.Kind)).Inc()
	return updated, DecisionRetry, nil
}

// FailPermanently moves a running job to failed with a truncated error summary.
func (c *Controller) FailPermanently(ctx context.Context, jobID string, cause error) (models.Job, error) {
	current, err := c.repo.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	msg := fmt.Sprintf("Failed after %d retries. Last error: %s", current.RetryCount, truncate(cause.Error(), finalErrorLimit))
	job, err := c.repo.Update(ctx, jobID, Update{
		Status:       StatusPtr(models.StatusFailed),
		Message:      &msg,
		ExpectStatus: []models.Status{models.StatusRunning, models.StatusQueued},
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job: %w", err)
	}
	c.log.Error("job failed",
		logger.String("job_id", job.ID),
		logger.String("channel", string(job.IngestionType)),
		logger.Int("retry_count", job.RetryCount),
		logger.Error(cause))
	telemetry.JobsFailed.WithLabelValues(string(job.IngestionType)).Inc()
	return job, nil
}

// Resolve applies a handler outcome for task. For job-bound tasks the job's
// retry_count drives the retry decision; analytics tasks carry their own attempt counter.
func (c *Controller) Resolve(ctx context.Context, task models.Task, outcome Outcome) (Decision, error) {
	if !task.JobBound() {
		return c.resolveDetached(ctx, task, outcome)
	}

	job, err := c.repo.Get(ctx, task.JobID)
	if err != nil {
		return DecisionSkipped, err
	}
	if job.Status != models.StatusRunning {
		c.log.Warn("ignoring outcome for job that is not running",
			logger.String("job_id", job.ID),
			logger.String("status", string(job.Status)),
			logger.String("outcome", outcome.Kind.String()))
		return DecisionSkipped, nil
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		if _, err := c.Succeed(ctx, job.ID, outcome.Result, outcome.Message); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return DecisionSkipped, nil
			}
			return DecisionSkipped, err
		}
		return DecisionCompleted, nil
	case OutcomePermanent:
		if _, err := c.FailPermanently(ctx, job.ID, outcomeErr(outcome)); err != nil {
			return DecisionSkipped, err
		}
		return DecisionFailed, nil
	default:
		_, decision, err := c.FailTransiently(ctx, job, task, outcomeErr(outcome))
		return decision, err
	}
}

func (c *Controller) resolveDetached(ctx context.Context, task models.Task, outcome Outcome) (Decision, error) {
	log := c.log.With(logger.String("task_id", task.ID), logger.String("kind", string(task.Kind)))
	switch outcome.Kind {
	case OutcomeSuccess:
		log.Info("task completed", logger.String("message", outcome.Message))
		telemetry.DetachedTasks.WithLabelValues(string(task.Kind), DecisionCompleted.String()).Inc()
		return DecisionCompleted, nil
	case OutcomePermanent:
		log.Error("task failed", logger.Int("attempt", task.Attempt), logger.Error(outcomeErr(outcome)))
		telemetry.DetachedTasks.WithLabelValues(string(task.Kind), DecisionFailed.String()).Inc()
		return DecisionFailed, nil
	}

	policy := c.policies.For(task.Kind)
	if task.Attempt >= policy.MaxRetries || c.dispatcher == nil {
		log.Error("task failed after retries", logger.Int("attempt", task.Attempt), logger.Error(outcomeErr(outcome)))
		telemetry.DetachedTasks.WithLabelValues(string(task.Kind), DecisionFailed.String()).Inc()
		return DecisionFailed, nil
	}
	task.Attempt++
	delay := policy.Delay(task.Attempt)
	if err := c.dispatcher.DispatchAfter(ctx, task, delay); err != nil {
		return DecisionFailed, fmt.Errorf("schedule retry: %w", err)
	}
	log.Warn("task retry scheduled",
		logger.Int("attempt", task.Attempt),
		logger.Int("max_retries", policy.MaxRetries),
		logger.Duration("delay", delay),
		logger.Error(outcomeErr(outcome)))
	telemetry.DetachedTasks.WithLabelValues(string(task.Kind), DecisionRetry.String()).Inc()
	return DecisionRetry, nil
}

// RetryFromAdmin resets a failed job to queued. retry_count is kept.
func (c *Controller) RetryFromAdmin(ctx context.Context, jobID string) (models.Job, error) {
	msg := AdminRetryMessage
	job, err := c.repo.Update(ctx, jobID, Update{
		Status:       StatusPtr(models.StatusQueued),
		Message:      &msg,
		ExpectStatus: []models.Status{models.StatusFailed},
	})
	if errors.Is(err, ErrStatusConflict) {
		return models.Job{}, ErrNotRetryable
	}
	if err != nil {
		return models.Job{}, err
	}
	c.logTransition("job re-queued by admin", job)
	return job, nil
}

// RevertAdminRetry moves a job reset by RetryFromAdmin back to failed when its
// task could not be re-dispatched, so the operator can retry again.
func (c *Controller) RevertAdminRetry(ctx context.Context, jobID string, cause error) (models.Job, error) {
	msg := "Admin retry not dispatched: " + truncate(cause.Error(), finalErrorLimit)
	job, err := c.repo.Update(ctx, jobID, Update{
		Status:       StatusPtr(models.StatusFailed),
		Message:      &msg,
		ExpectStatus: []models.Status{models.StatusQueued},
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("revert admin retry: %w", err)
	}
	c.logTransition("admin retry reverted", job)
	return job, nil
}

// Annotate overwrites the message of a job without changing its status.
func (c *Controller) Annotate(ctx context.Context, jobID, message string) (models.Job, error) {
	return c.repo.Update(ctx, jobID, Update{Message: &message})
}

func (c *Controller) logTransition(msg string, job models.Job) {
	c.log.Info(msg,
		logger.String("job_id", job.ID),
		logger.String("channel", string(job.IngestionType)),
		logger.String("status", string(job.Status)),
		logger.Int("retry_count", job.RetryCount))
}

func outcomeErr(o Outcome) error {
	if o.Err != nil {
		return o.Err
	}
	return errors.New("unspecified failure")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
