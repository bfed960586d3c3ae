// Package scheduler drives the periodic refresh jobs. Two cadences: a
// full refresh that purges the cache, re-aggregates and notifies
// subscribers, and a lighter re-aggregation that only rebuilds the
// cached snapshot.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tokenfeed/internal/token"
)

// Engine is the aggregation surface the scheduler drives.
type Engine interface {
	RefreshCache(ctx context.Context) error
	Aggregate(ctx context.Context, force bool) ([]token.Token, error)
}

// Scheduler registers the refresh jobs on a cron runner. Job failures
// are logged and the next tick runs regardless.
type Scheduler struct {
	engine   Engine
	notifier Notifier
	full     time.Duration
	light    time.Duration
	log      *slog.Logger
	cron     *cron.Cron
}

// Notifier receives a signal after every completed full refresh.
type Notifier interface {
	BroadcastRefresh(ctx context.Context)
}

func New(engine Engine, notifier Notifier, full, light time.Duration, log *slog.Logger) *Scheduler {
	if full <= 0 {
		full = 2 * time.Minute
	}
	if light <= 0 {
		light = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		notifier: notifier,
		full:     full,
		light:    light,
		log:      log,
		cron:     cron.New(),
	}
}

// Start registers both jobs and launches the cron runner. The returned
// stop function blocks until any running job finishes.
func (s *Scheduler) Start(ctx context.Context) (stop func(), err error) {
	if _, err := s.cron.AddFunc(every(s.full), func() { s.FullRefresh(ctx) }); err != nil {
		return nil, fmt.Errorf("register full refresh job: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.light), func() { s.LightRefresh(ctx) }); err != nil {
		return nil, fmt.Errorf("register light refresh job: %w", err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "full_interval", s.full, "light_interval", s.light)

	return func() {
		<-s.cron.Stop().Done()
		s.log.Info("scheduler stopped")
	}, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// FullRefresh purges and rebuilds the cache, then tells subscribers the
// world changed.
func (s *Scheduler) FullRefresh(ctx context.Context) {
	s.log.Info("full refresh tick")
	if err := s.engine.RefreshCache(ctx); err != nil {
		s.log.Error("full refresh failed", "err", err.Error())
		return
	}
	if s.notifier != nil {
		s.notifier.BroadcastRefresh(ctx)
	}
}

// LightRefresh rebuilds the aggregated snapshot without purging
// per-address entries.
func (s *Scheduler) LightRefresh(ctx context.Context) {
	if _, err := s.engine.Aggregate(ctx, true); err != nil {
		s.log.Error("light refresh failed", "err", err.Error())
	}
}
