// Package worker runs the dispatcher on a ticker and, optionally, the daily schedule pass.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"leados-scheduler/internal/dispatcher"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/schedule"
	"leados-scheduler/internal/scheduler"
)

// Dispatcher runs one dispatch cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context) (dispatcher.Summary, error)
}

// Scheduler creates one owner's schedule for a day.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// OwnerLister lists owners that have an active campaign.
type OwnerLister interface {
	OwnersWithActiveCampaigns(ctx context.Context) ([]string, error)
}

// Runner drives the worker loop.
type Runner struct {
	dispatcher Dispatcher
	scheduler  Scheduler
	owners     OwnerLister
	interval   time.Duration
	loc        *time.Location
	log        *zap.Logger
	now        func() time.Time

	lastScheduled time.Time
}

// NewRunner builds a runner that dispatches every interval. Pass a nil scheduler to
// disable the daily schedule pass.
func NewRunner(d Dispatcher, s Scheduler, owners OwnerLister, interval time.Duration, loc *time.Location, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		dispatcher: d,
		scheduler:  s,
		owners:     owners,
		interval:   interval,
		loc:        loc,
		log:        logger.OrNop(log),
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled. Cycle errors are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("worker started", zap.Duration("interval", r.interval), zap.Bool("auto_schedule", r.scheduler != nil))
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs the daily schedule pass when the day has changed, then one dispatch cycle.
func (r *Runner) Tick(ctx context.Context) {
	if r.scheduler != nil && r.owners != nil {
		day := schedule.Day(r.now(), r.loc)
		if !day.Equal(r.lastScheduled) {
			if _, err := r.ScheduleAll(ctx, day); err != nil {
				r.log.Error("daily schedule pass", zap.Error(err))
			} else {
				r.lastScheduled = day
			}
		}
	}

	sum, err := r.dispatcher.Dispatch(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("dispatch cycle", zap.Error(err), zap.Int("processed", sum.Processed))
		return
	}
	if sum.Processed > 0 {
		r.log.Debug("dispatch cycle", zap.Int("processed", sum.Processed), zap.Int("sent", sum.Sent))
	}
}

// ScheduleAll schedules day for every owner with an active campaign and returns the
// number of records created. Per-owner business errors are expected and only logged.
func (r *Runner) ScheduleAll(ctx context.Context, day time.Time) (int, error) {
	owners, err := r.owners.OwnersWithActiveCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := r.scheduler.Schedule(ctx, scheduler.Request{OwnerID: owner, TargetDate: &day})
		switch {
		case err == nil:
			total += res.Scheduled
		case errors.Is(err, scheduler.ErrNoEligibleRecipients),
			errors.Is(err, scheduler.ErrNoActiveCampaign),
			errors.Is(err, scheduler.ErrScheduleInProgress):
			r.log.Debug("owner skipped", zap.String("owner_id", owner), zap.Error(err))
		default:
			r.log.Warn("schedule owner", zap.String("owner_id", owner), zap.Error(err))
		}
	}
	r.log.Info("daily schedule pass", zap.String("day", day.Format("2006-01-02")), zap.Int("owners", len(owners)), zap.Int("scheduled", total))
	return total, nil
}
