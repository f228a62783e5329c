// Package scheduler turns a campaign's pending recipients into a day of dispatch records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leados-scheduler/internal/config"
	"leados-scheduler/internal/logger"
	"leados-scheduler/internal/models"
	"leados-scheduler/internal/schedule"
	"leados-scheduler/internal/sender"
	"leados-scheduler/internal/store"
	"leados-scheduler/internal/telemetry"
)

var (
	ErrMissingOwner         = errors.New("owner_id is required")
	ErrNoActiveCampaign     = errors.New("no active campaign")
	ErrNoEligibleRecipients = errors.New("no eligible recipients")
	ErrScheduleInProgress   = errors.New("schedule already running for this owner and day")
)

// Repository is the persistence the generator needs.
type Repository interface {
	ActiveCampaign(ctx context.Context, ownerID string) (models.Campaign, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	EligibleRecipients(ctx context.Context, ownerID, campaignID string, day time.Time, limit int) ([]models.Recipient, error)
	InsertDispatchRecords(ctx context.Context, records []models.DispatchRecord) (int, error)
	AppendRun(ctx context.Context, run models.ScheduleRun) error
}

// Locker serializes runs for the same owner and day across processes.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// Archiver receives a copy of every run audit entry.
type Archiver interface {
	Store(ctx context.Context, run models.ScheduleRun) (string, error)
}

// Options tunes the generator.
type Options struct {
	DailyCap        int
	MinGap          time.Duration
	InsertBatchSize int
	MaxRetries      int
	LeaseTTL        time.Duration
	Location        *time.Location
}

// OptionsFromConfig maps the service configuration onto generator options.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		DailyCap:        cfg.DailyScheduleCap,
		MinGap:          cfg.MinGap,
		InsertBatchSize: cfg.InsertBatchSize,
		MaxRetries:      cfg.MaxRetries,
		LeaseTTL:        cfg.ScheduleLeaseTTL,
		Location:        loc,
	}, nil
}

// Request selects what to schedule. CampaignID and TargetDate are optional.
type Request struct {
	OwnerID    string
	CampaignID string
	TargetDate *time.Time
}

// Result summarizes a successful run.
type Result struct {
	Scheduled    int       `json:"scheduled"`
	Skipped      int       `json:"skipped,omitempty"`
	Campaign     string    `json:"campaign"`
	CampaignID   string    `json:"campaign_id"`
	ScheduleDate time.Time `json:"schedule_date"`
	FirstMessage time.Time `json:"first_message"`
	LastMessage  time.Time `json:"last_message"`
}

// Generator creates the day's dispatch records for one owner.
type Generator struct {
	repo    Repository
	locker  Locker
	archive Archiver
	opts    Options
	log     *zap.Logger
	now     func() time.Time
	newID   func() string
}

// New builds a generator. Zero option values fall back to the documented defaults.
func New(repo Repository, opts Options, log *zap.Logger) *Generator {
	if opts.DailyCap <= 0 {
		opts.DailyCap = 1000
	}
	if opts.MinGap <= 0 {
		opts.MinGap = time.Minute
	}
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Generator{
		repo:  repo,
		opts:  opts,
		log:   logger.OrNop(log),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithLocker enables per owner/day leases.
func (g *Generator) WithLocker(l Locker) *Generator {
	g.locker = l
	return g
}

// WithArchive mirrors run audit entries to a.
func (g *Generator) WithArchive(a Archiver) *Generator {
	g.archive = a
	return g
}

// Schedule plans the target day's messages for the owner's campaign.
func (g *Generator) Schedule(ctx context.Context, req Request) (Result, error) {
	if req.OwnerID == "" {
		return Result{}, ErrMissingOwner
	}
	campaign, err := g.resolveCampaign(ctx, req)
	if err != nil {
		return Result{}, err
	}

	target := g.now()
	if req.TargetDate != nil {
		target = *req.TargetDate
	}
	day := schedule.Day(target, g.opts.Location)
	log := g.log.With(
		zap.String("owner_id", req.OwnerID),
		zap.String("campaign_id", campaign.ID),
		zap.String("schedule_day", day.Format("2006-01-02")),
	)

	if g.locker != nil {
		name := fmt.Sprintf("schedule:%s:%s", req.OwnerID, day.Format("2006-01-02"))
		token, ok, err := g.locker.Acquire(ctx, name, g.opts.LeaseTTL)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{}, ErrScheduleInProgress
		}
		defer func() {
			if err := g.locker.Release(context.WithoutCancel(ctx), name, token); err != nil {
				log.Warn("release schedule lease", zap.Error(err))
			}
		}()
	}

	recipients, err := g.repo.EligibleRecipients(ctx, req.OwnerID, campaign.ID, day, g.opts.DailyCap)
	if err != nil {
		return Result{}, err
	}
	if len(recipients) == 0 {
		return Result{}, ErrNoEligibleRecipients
	}
	if len(recipients) > g.opts.DailyCap {
		recipients = recipients[:g.opts.DailyCap]
	}

	slots := schedule.Slots(day, len(recipients), g.opts.MinGap)
	records := g.buildRecords(campaign, day, recipients, slots)

	inserted := 0
	for start := 0; start < len(records); start += g.opts.InsertBatchSize {
		end := min(start+g.opts.InsertBatchSize, len(records))
		n, err := g.repo.InsertDispatchRecords(ctx, records[start:end])
		if err != nil {
			return Result{}, fmt.Errorf("insert dispatch records %d-%d: %w", start, end, err)
		}
		inserted += n
	}
	skipped := len(records) - inserted
	telemetry.ScheduleSkipped.Add(float64(skipped))
	if inserted == 0 {
		log.Info("every recipient already scheduled", zap.Int("skipped", skipped))
		return Result{}, ErrNoEligibleRecipients
	}
	telemetry.RecordsScheduled.Add(float64(inserted))

	res := Result{
		Scheduled:    inserted,
		Skipped:      skipped,
		Campaign:     campaign.Name,
		CampaignID:   campaign.ID,
		ScheduleDate: day,
		FirstMessage: slots[0],
		LastMessage:  slots[len(slots)-1],
	}

	run := models.ScheduleRun{
		ID:        g.newID(),
		OwnerID:   req.OwnerID,
		Action:    models.ActionScheduleCreated,
		Total:     len(records),
		Scheduled: inserted,
		Details: map[string]any{
			"campaign_id":   campaign.ID,
			"campaign":      campaign.Name,
			"schedule_date": day.Format("2006-01-02"),
			"first_message": res.FirstMessage.Format(time.RFC3339),
			"last_message":  res.LastMessage.Format(time.RFC3339),
			"skipped":       skipped,
		},
		CreatedAt: g.now().UTC(),
	}
	if err := g.repo.AppendRun(ctx, run); err != nil {
		return Result{}, err
	}
	g.archiveRun(ctx, log, run)

	log.Info("schedule created",
		zap.Int("scheduled", inserted),
		zap.Int("skipped", skipped),
		zap.Time("first_message", res.FirstMessage),
		zap.Time("last_message", res.LastMessage),
	)
	return res, nil
}

func (g *Generator) resolveCampaign(ctx context.Context, req Request) (models.Campaign, error) {
	if req.CampaignID == "" {
		c, err := g.repo.ActiveCampaign(ctx, req.OwnerID)
		if errors.Is(err, store.ErrNotFound) {
			return models.Campaign{}, ErrNoActiveCampaign
		}
		return c, err
	}
	c, err := g.repo.GetCampaign(ctx, req.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", req.CampaignID, ErrNoActiveCampaign)
	}
	if err != nil {
		return models.Campaign{}, err
	}
	if c.OwnerID != req.OwnerID || c.Status != models.CampaignStatusActive {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", req.CampaignID, ErrNoActiveCampaign)
	}
	return c, nil
}

func (g *Generator) buildRecords(c models.Campaign, day time.Time, recipients []models.Recipient, slots []time.Time) []models.DispatchRecord {
	maxRetries := g.opts.MaxRetries
	if c.MaxRetries != nil {
		maxRetries = *c.MaxRetries
	}
	now := g.now().UTC()
	records := make([]models.DispatchRecord, len(recipients))
	for i, r := range recipients {
		records[i] = models.DispatchRecord{
			ID:            g.newID(),
			RecipientID:   r.ID,
			CampaignID:    c.ID,
			OwnerID:       c.OwnerID,
			ScheduledTime: slots[i],
			ScheduleDay:   day,
			Destination:   sender.NormalizePhone(r.Phone),
			Payload:       Render(c.MessageTemplate, r),
			Status:        models.StatusScheduled,
			MaxRetries:    maxRetries,
			Metadata: map[string]any{
				"name":    r.Name,
				"company": r.Company,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return records
}

func (g *Generator) archiveRun(ctx context.Context, log *zap.Logger, run models.ScheduleRun) {
	if g.archive == nil {
		return
	}
	if _, err := g.archive.Store(ctx, run); err != nil {
		log.Warn("archive schedule run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
