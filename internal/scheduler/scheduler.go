// Package scheduler runs the background maintenance tasks: stale-session
// reaping, pending-token garbage collection, webauthn challenge cleanup, and
// dismissed-notification purging. It wraps gocron; each task runs in
// singleton mode so a slow pass is never overlapped by the next tick.
//
// All tasks are also safe to skip entirely; every expiry they enforce is
// checked lazily on access as well. The scheduler just keeps the tables from
// accumulating dead rows.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/notify"
	"github.com/thebosco/library-server/internal/pending"
	"github.com/thebosco/library-server/internal/session"
	"github.com/thebosco/library-server/internal/webauthn"
)

// Intervals per task. Sessions go stale after 30 minutes, so reaping twice
// per grace window keeps the table tight; the rest are housekeeping.
const (
	sessionReapEvery = 15 * time.Minute
	pendingGCEvery   = 5 * time.Minute
	challengeGCEvery = 5 * time.Minute
	notifyPurgeEvery = 24 * time.Hour
)

// Scheduler owns the gocron instance and the task handles.
type Scheduler struct {
	cron     gocron.Scheduler
	sessions *session.Manager
	regs     *pending.Registrations
	recs     *pending.Recoveries
	webauthn *webauthn.Authority
	notify   *notify.Service
	log      *zap.Logger
}

// New creates a Scheduler. Call Start to begin processing.
func New(
	sessions *session.Manager,
	regs *pending.Registrations,
	recs *pending.Recoveries,
	authority *webauthn.Authority,
	notifier *notify.Service,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cron,
		sessions: sessions,
		regs:     regs,
		recs:     recs,
		webauthn: authority,
		notify:   notifier,
		log:      logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	type task struct {
		name     string
		interval time.Duration
		run      func(context.Context) (int64, error)
	}

	tasks := []task{
		{"reap_stale_sessions", sessionReapEvery, s.sessions.ReapStale},
		{"gc_pending_registrations", pendingGCEvery, s.regs.DeleteExpired},
		{"gc_pending_recoveries", pendingGCEvery, s.recs.DeleteExpired},
		{"gc_webauthn_challenges", challengeGCEvery, s.webauthn.DeleteExpiredChallenges},
		{"purge_dismissed_notifications", notifyPurgeEvery, s.notify.PurgeDismissed},
	}

	for _, t := range tasks {
		t := t
		_, err := s.cron.NewJob(
			gocron.DurationJob(t.interval),
			gocron.NewTask(func() {
				n, err := t.run(ctx)
				if err != nil {
					s.log.Error("maintenance task failed", zap.String("task", t.name), zap.Error(err))
					return
				}
				if n > 0 {
					s.log.Debug("maintenance task done", zap.String("task", t.name), zap.Int64("removed", n))
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName(t.name),
		)
		if err != nil {
			return fmt.Errorf("scheduler: registering %s: %w", t.name, err)
		}
	}

	s.cron.Start()
	s.log.Info("maintenance scheduler started", zap.Int("tasks", len(tasks)))
	return nil
}

// Stop shuts the scheduler down, waiting for running tasks.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
