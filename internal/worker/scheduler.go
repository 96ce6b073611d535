package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"file-ingestion-service/internal/logger"
)

// AnalyticsTrigger dispatches a background analytics build.
type AnalyticsTrigger interface {
	BuildAnalytics(ctx context.Context) (string, error)
}

// Scheduler dispatches the analytics build on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	trigger AnalyticsTrigger
	log     logger.Logger
	ctx     context.Context
}

// NewScheduler validates spec (standard 5-field cron) and registers the build.
func NewScheduler(ctx context.Context, spec string, trigger AnalyticsTrigger, log logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		trigger: trigger,
		log:     log.With(logger.String("component", "scheduler")),
		ctx:     ctx,
	}
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return nil, fmt.Errorf("invalid analytics schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) fire() {
	id, err := s.trigger.BuildAnalytics(s.ctx)
	if err != nil {
		s.log.Error("scheduled analytics build", logger.Error(err))
		return
	}
	s.log.Info("scheduled analytics build dispatched", logger.String("task_id", id))
}

// Start runs the cron loop in the background until Stop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running dispatch.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
