// Package dispatcher sends due dispatch records and drives their retry state machine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"leados-scheduler/internal/config"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/models"
	"leados-scheduler/internal/sender"
	"leados-scheduler/internal/telemetry"
)

// Repository is the persistence the dispatcher needs.
type Repository interface {
	DueRecords(ctx context.Context, from, to time.Time, limit int) ([]models.DispatchRecord, error)
	ClaimRecord(ctx context.Context, id, from string) (bool, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetrying(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, retryCount int, at time.Time, lastErr string) error
	AppendInteraction(ctx context.Context, in models.Interaction) error
	AppendRun(ctx context.Context, run models.ScheduleRun) error
	ReclaimStale(ctx context.Context, claimedBefore time.Time, reason string) ([]string, error)
}

// DeadLetter receives ids of records that ran out of retries.
type DeadLetter interface {
	DLQPush(ctx context.Context, recordID string) error
}

// Archiver receives a copy of every run audit entry.
type Archiver interface {
	Store(ctx context.Context, run models.ScheduleRun) (string, error)
}

// Options tunes a dispatch run.
type Options struct {
	BatchSize                  int
	Tolerance                  time.Duration
	Lookback                   time.Duration
	ParallelSends              int
	BatchPause                 time.Duration
	SendTimeout                time.Duration
	RetryBackoff               time.Duration
	StaleAfter                 time.Duration
	FailFastInvalidDestination bool
}

// OptionsFromConfig maps the service configuration onto dispatcher options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BatchSize:                  cfg.DispatchBatchSize,
		Tolerance:                  cfg.DispatchTolerance,
		Lookback:                   cfg.DispatchLookback,
		ParallelSends:              cfg.ParallelSends,
		BatchPause:                 cfg.BatchPause,
		SendTimeout:                cfg.SendTimeout,
		RetryBackoff:               cfg.RetryBackoff,
		StaleAfter:                 cfg.SendTimeout + time.Minute,
		FailFastInvalidDestination: cfg.FailFastInvalidDestination,
	}
}

// Summary reports one dispatch run. It is returned even when the run aborts.
type Summary struct {
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Retrying  int       `json:"retrying"`
	Dead      int       `json:"dead"`
	Reclaimed int       `json:"reclaimed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type outcome struct {
	claimed bool
	status  string
}

// Dispatcher executes due records.
type Dispatcher struct {
	repo    Repository
	sender  sender.Sender
	dlq     DeadLetter
	archive Archiver
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New builds a dispatcher. Zero option values fall back to the documented defaults.
func New(repo Repository, s sender.Sender, opts Options, log *zap.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = opts.Tolerance
	}
	if opts.ParallelSends <= 0 {
		opts.ParallelSends = 10
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = opts.SendTimeout + time.Minute
	}
	return &Dispatcher{
		repo:   repo,
		sender: s,
		opts:   opts,
		log:    logger.OrNop(log),
		now:    time.Now,
	}
}

// WithDeadLetter pushes exhausted record ids to dlq.
func (d *Dispatcher) WithDeadLetter(dlq DeadLetter) *Dispatcher {
	d.dlq = dlq
	return d
}

// WithArchive mirrors run audit entries to a.
func (d *Dispatcher) WithArchive(a Archiver) *Dispatcher {
	d.archive = a
	return d
}

// Dispatch processes every record due around now. Records are claimed with a
// compare-and-swap so overlapping runs never send the same record twice.
func (d *Dispatcher) Dispatch(ctx context.Context) (Summary, error) {
	start := d.now()
	sum := Summary{Timestamp: start.UTC()}
	defer func() {
		telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	reclaimed, err := d.reclaimStale(ctx, start)
	sum.Reclaimed = reclaimed
	if err != nil {
		return sum, err
	}

	from, to := start.Add(-d.opts.Lookback), start.Add(d.opts.Tolerance)
	due, err := d.repo.DueRecords(ctx, from, to, d.opts.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("load due records: %w", err)
	}
	if len(due) == 0 {
		return sum, nil
	}

	var runErr error
	for begin := 0; begin < len(due); begin += d.opts.ParallelSends {
		if begin > 0 {
			if err := sleepCtx(ctx, d.opts.BatchPause); err != nil {
				runErr = err
				break
			}
		}
		end := min(begin+d.opts.ParallelSends, len(due))

		p := pool.NewWithResults[outcome]().WithErrors().WithMaxGoroutines(d.opts.ParallelSends)
		for _, rec := range due[begin:end] {
			p.Go(func() (outcome, error) {
				return d.process(ctx, rec)
			})
		}
		outs, err := p.Wait()
		for _, o := range outs {
			sum.add(o)
		}
		if err != nil {
			runErr = fmt.Errorf("dispatch records: %w", err)
			break
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		d.log.Error("dispatch run aborted", zap.Error(runErr), zap.Int("processed", sum.Processed))
		return sum, runErr
	}
	if sum.Processed == 0 {
		return sum, runErr
	}

	run := models.ScheduleRun{
		ID:     uuid.NewString(),
		Action: models.ActionDispatchExecuted,
		Total:  sum.Processed,
		Sent:   sum.Sent,
		Failed: sum.Failed,
		Details: map[string]any{
			"retrying":    sum.Retrying,
			"dead":        sum.Dead,
			"due":         len(due),
			"window_from": from.UTC().Format(time.RFC3339),
			"window_to":   to.UTC().Format(time.RFC3339),
		},
		CreatedAt: sum.Timestamp,
	}
	auditCtx := context.WithoutCancel(ctx)
	if err := d.repo.AppendRun(auditCtx, run); err != nil {
		return sum, fmt.Errorf("append dispatch run: %w", err)
	}
	if d.archive != nil {
		if _, err := d.archive.Store(auditCtx, run); err != nil {
			d.log.Warn("archive dispatch run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	d.log.Info("dispatch run finished",
		zap.Int("due", len(due)),
		zap.Int("processed", sum.Processed),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Int("retrying", sum.Retrying),
		zap.Int("dead", sum.Dead),
	)
	return sum, runErr
}

func (s *Summary) add(o outcome) {
	if !o.claimed {
		return
	}
	s.Processed++
	switch o.status {
	case models.StatusSent:
		s.Sent++
	case models.StatusRetrying:
		s.Failed++
		s.Retrying++
	case models.StatusFailed:
		s.Failed++
		s.Dead++
	}
}

// process claims one record, sends it and writes the outcome. The returned error is
// reserved for persistence failures.
func (d *Dispatcher) process(ctx context.Context, rec models.DispatchRecord) (outcome, error) {
	claimed, err := d.repo.ClaimRecord(ctx, rec.ID, rec.Status)
	if err != nil {
		return outcome{}, fmt.Errorf("claim %s: %w", rec.ID, err)
	}
	if !claimed {
		telemetry.ClaimConflicts.Inc()
		d.log.Debug("record claimed elsewhere", zap.String("record_id", rec.ID))
		return outcome{}, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Once claimed the outcome must be written even if the run is cancelled.
	writeCtx := context.WithoutCancel(ctx)
	log := d.log.With(zap.String("record_id", rec.ID), zap.String("owner_id", rec.OwnerID))

	if !sender.ValidDestination(rec.Destination) {
		reason := fmt.Sprintf("%s: %q", sender.ErrInvalidDestination, rec.Destination)
		return d.fail(writeCtx, log, rec, reason, d.opts.FailFastInvalidDestination)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	res, err := d.sender.Send(sendCtx, rec.Destination, rec.Payload)
	cancel()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return d.fail(writeCtx, log, rec, fmt.Sprintf("send timed out after %s", d.opts.SendTimeout), false)
	case err != nil:
		return d.fail(writeCtx, log, rec, err.Error(), false)
	case !res.Success:
		reason := res.Error
		if reason == "" {
			reason = "send failed"
		}
		return d.fail(writeCtx, log, rec, reason, false)
	}

	at := d.now().UTC()
	if err := d.repo.MarkSent(writeCtx, rec.ID, at); err != nil {
		return outcome{}, fmt.Errorf("mark sent %s: %w", rec.ID, err)
	}
	if err := d.repo.AppendInteraction(writeCtx, models.Interaction{
		RecipientID:      rec.RecipientID,
		DispatchRecordID: rec.ID,
		OwnerID:          rec.OwnerID,
		Channel:          "whatsapp",
		Content:          rec.Payload,
		CreatedAt:        at,
	}); err != nil {
		return outcome{}, fmt.Errorf("append interaction %s: %w", rec.ID, err)
	}
	telemetry.DispatchSent.Inc()
	log.Info("message sent")
	return outcome{claimed: true, status: models.StatusSent}, nil
}

// fail moves a claimed record to retrying, or to failed once the retry budget is spent.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, rec models.DispatchRecord, reason string, terminal bool) (outcome, error) {
	telemetry.DispatchFailed.Inc()
	// The record's own budget is authoritative; zero means the first failure is final.
	maxRetries := max(rec.MaxRetries, 0)
	next := rec.RetryCount + 1
	now := d.now().UTC()

	if !terminal && next < maxRetries {
		nextRun := now.Add(d.opts.RetryBackoff)
		if err := d.repo.MarkRetrying(ctx, rec.ID, next, nextRun, reason); err != nil {
			return outcome{}, fmt.Errorf("mark retrying %s: %w", rec.ID, err)
		}
		telemetry.DispatchRetry.Inc()
		log.Warn("send failed, retry scheduled",
			zap.String("error", reason),
			zap.Int("retry_count", next),
			zap.Time("next_run", nextRun),
		)
		return outcome{claimed: true, status: models.StatusRetrying}, nil
	}

	if err := d.repo.MarkFailed(ctx, rec.ID, min(next, maxRetries), now, reason); err != nil {
		return outcome{}, fmt.Errorf("mark failed %s: %w", rec.ID, err)
	}
	telemetry.DispatchDead.Inc()
	if d.dlq != nil {
		if err := d.dlq.DLQPush(ctx, rec.ID); err != nil {
			log.Warn("push to dead letter list", zap.Error(err))
		}
	}
	log.Error("send failed permanently", zap.String("error", reason), zap.Int("retry_count", min(next, maxRetries)))
	return outcome{claimed: true, status: models.StatusFailed}, nil
}

// staleClaimReason is stored on records whose claim outlived StaleAfter.
const staleClaimReason = "dispatch interrupted while executing; delivery state unknown"

// reclaimStale fails records left in executing by a crashed run or a lost outcome write.
// They are not resent, since the message may already have gone out.
func (d *Dispatcher) reclaimStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := d.repo.ReclaimStale(ctx, now.Add(-d.opts.StaleAfter), staleClaimReason)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	for _, id := range ids {
		telemetry.DispatchDead.Inc()
		if d.dlq != nil {
			if err := d.dlq.DLQPush(ctx, id); err != nil {
				d.log.Warn("push to dead letter list", zap.String("record_id", id), zap.Error(err))
			}
		}
	}
	if len(ids) > 0 {
		d.log.Warn("reclaimed stale executing records", zap.Strings("record_ids", ids))
	}
	return len(ids), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
