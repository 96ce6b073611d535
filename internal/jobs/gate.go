package jobs

import (
	"context"
	"fmt"

	"file-ingestion-service/internal/models"
)

// Gate decides whether a fingerprint needs new work on a channel.
type Gate struct {
	repo Repository
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

// HasSuccessfulJob reports whether a completed job exists for the fingerprint and channel.
func (g *Gate) HasSuccessfulJob(ctx context.Context, fingerprint string, channel models.Channel) (bool, error) {
	_, found, err := g.repo.FindLatest(ctx, fingerprint, channel, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("check successful job: %w", err)
	}
	return found, nil
}

// Existing returns the job that makes a new submission redundant.
//
// On the Postgres channel only a completed job counts; failed jobs never block
// a fresh attempt. On the S3 channel any job counts, whatever its status, so
// nothing is uploaded twice while a job for the fingerprint is in flight or done.
func (g *Gate) Existing(ctx context.Context, fingerprint string, channel models.Channel) (models.Job, bool, error) {
	var (
		job   models.Job
		found bool
		err   error
	)
	switch channel {
	case models.ChannelS3:
		job, found, err = g.repo.FindLatest(ctx, fingerprint, channel)
	default:
		job, found, err = g.repo.FindLatest(ctx, fingerprint, channel, models.StatusCompleted)
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dedup lookup: %w", err)
	}
	return job, found, nil
}
