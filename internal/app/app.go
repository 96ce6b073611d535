// Package app wires the shared dependencies of the api, worker and ingestctl binaries.
package app

import (
	"context"
	"fmt"

	"file-ingestion-service/internal/config"
	"file-ingestion-service/internal/intake"
	"file-ingestion-service/internal/jobs"
	"file-ingestion-service/internal/logger"
	"file-ingestion-service/internal/objectstore"
	"file-ingestion-service/internal/queue"
	"file-ingestion-service/internal/store"
)

// Deps holds the connected backends and the services built on them.
type Deps struct {
	Store      *store.Postgres
	Queue      *queue.RedisQueue
	Objects    objectstore.Store
	Controller *jobs.Controller
	Intake     *intake.Service
}

// Bootstrap connects Postgres (running migrations), Redis and object storage.
func Bootstrap(ctx context.Context, cfg config.Config, log logger.Logger) (*Deps, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	if err := q.Ping(ctx); err != nil {
		st.Close()
		_ = q.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		st.Close()
		_ = q.Close()
		return nil, err
	}

	policies := jobs.NewPolicies(cfg.IngestMaxRetries, cfg.IngestRetryDelay, cfg.AnalyticsMaxRetries, cfg.AnalyticsRetryDelay)
	ctrl := jobs.NewController(st, q, policies, log)
	return &Deps{
		Store:      st,
		Queue:      q,
		Objects:    objects,
		Controller: ctrl,
		Intake:     intake.NewService(st, ctrl, q, objects, log),
	}, nil
}

func (d *Deps) Close() {
	_ = d.Queue.Close()
	d.Store.Close()
}
