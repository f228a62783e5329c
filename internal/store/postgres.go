package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"leados-scheduler/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotExecuting is returned when an outcome is written for a record that is no longer claimed.
var ErrNotExecuting = errors.New("dispatch record is not executing")

const dayLayout = "2006-01-02"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres, retrying the initial ping for up to wait.
func New(ctx context.Context, dsn string, wait time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if wait <= 0 {
		wait = time.Second
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(wait))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ActiveCampaign returns the owner's most recently created active campaign.
func (s *Store) ActiveCampaign(ctx context.Context, ownerID string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, message_template, status, max_retries, created_at
		FROM campaigns
		WHERE owner_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, ownerID, models.CampaignStatusActive)
	return scanCampaign(row)
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, message_template, status, max_retries, created_at
		FROM campaigns WHERE id = $1
	`, id)
	return scanCampaign(row)
}

// OwnersWithActiveCampaigns lists owners that have at least one active campaign.
func (s *Store) OwnersWithActiveCampaigns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT owner_id FROM campaigns WHERE status = $1 ORDER BY owner_id
	`, models.CampaignStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan active owners: %w", err)
	}
	return owners, nil
}

// EligibleRecipients returns campaign recipients with a phone and no dispatch record on day.
func (s *Store) EligibleRecipients(ctx context.Context, ownerID, campaignID string, day time.Time, limit int) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.owner_id, COALESCE(r.campaign_id, ''), COALESCE(r.name, ''),
		       COALESCE(r.company, ''), r.phone, COALESCE(r.city, '')
		FROM recipients r
		WHERE r.owner_id = $1
		  AND r.campaign_id = $2
		  AND COALESCE(r.phone, '') <> ''
		  AND NOT EXISTS (
		      SELECT 1 FROM dispatch_records d
		      WHERE d.recipient_id = r.id AND d.schedule_day = $3::date
		  )
		ORDER BY r.created_at, r.id
		LIMIT $4
	`, ownerID, campaignID, day.Format(dayLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.CampaignID, &r.Name, &r.Company, &r.Phone, &r.City); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}

// InsertDispatchRecords inserts records in one transaction. Records that collide with an
// existing (recipient_id, schedule_day) row are skipped; the number actually inserted is returned.
func (s *Store) InsertDispatchRecords(ctx context.Context, records []models.DispatchRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := json.Marshal(orEmpty(r.Metadata))
		if err != nil {
			return 0, fmt.Errorf("marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO dispatch_records (id, recipient_id, campaign_id, owner_id, scheduled_time, schedule_day,
				destination, payload, status, retry_count, max_retries, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9, $10, $11, $12, $13, $13)
			ON CONFLICT (recipient_id, schedule_day) DO NOTHING
		`, r.ID, r.RecipientID, r.CampaignID, r.OwnerID, r.ScheduledTime, r.ScheduleDay.Format(dayLayout),
			r.Destination, r.Payload, r.Status, r.RetryCount, r.MaxRetries, meta, r.CreatedAt)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert dispatch record: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// DueRecords returns scheduled or retrying records whose time falls in [from, to].
func (s *Store) DueRecords(ctx context.Context, from, to time.Time, limit int) ([]models.DispatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records
		WHERE status IN ($1, $2)
		  AND scheduled_time >= $3 AND scheduled_time <= $4
		ORDER BY scheduled_time, id
		LIMIT $5
	`, models.StatusScheduled, models.StatusRetrying, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query due records: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due records: %w", err)
	}
	return out, nil
}

// GetRecord fetches a dispatch record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.DispatchRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.DispatchRecord{}, fmt.Errorf("dispatch record %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM dispatch_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return models.DispatchRecord{}, fmt.Errorf("dispatch record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ClaimRecord moves a record to executing only if its status still equals from.
// It reports false when another dispatcher got there first.
func (s *Store) ClaimRecord(ctx context.Context, id, from string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, models.StatusExecuting)
	if err != nil {
		return false, fmt.Errorf("claim record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records
		SET status = $2, executed_at = $3, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusSent, at, models.StatusExecuting)
	return outcomeErr(tag.RowsAffected(), err, id)
}

// MarkRetrying records a failed attempt that will be tried again at nextRun.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records
		SET status = $2, retry_count = $3, scheduled_time = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusRetrying, retryCount, nextRun, lastErr, models.StatusExecuting)
	return outcomeErr(tag.RowsAffected(), err, id)
}

// MarkFailed records the terminal failure of a record.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, at time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dispatch_records
		SET status = $2, retry_count = $3, executed_at = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusFailed, retryCount, at, lastErr, models.StatusExecuting)
	return outcomeErr(tag.RowsAffected(), err, id)
}

// ReclaimStale fails records claimed before claimedBefore that never got an outcome
// and returns their ids.
func (s *Store) ReclaimStale(ctx context.Context, claimedBefore time.Time, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE dispatch_records
		SET status = $1, executed_at = NOW(), error_message = $2, updated_at = NOW()
		WHERE status = $3 AND updated_at < $4
		RETURNING id
	`, models.StatusFailed, reason, models.StatusExecuting, claimedBefore)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect reclaimed ids: %w", err)
	}
	return ids, nil
}

// AppendInteraction adds an interaction row for a delivered message.
func (s *Store) AppendInteraction(ctx context.Context, in models.Interaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (recipient_id, dispatch_record_id, owner_id, channel, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, in.RecipientID, in.DispatchRecordID, in.OwnerID, in.Channel, in.Content, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// AppendRun adds a schedule run audit row.
func (s *Store) AppendRun(ctx context.Context, run models.ScheduleRun) error {
	details, err := json.Marshal(orEmpty(run.Details))
	if err != nil {
		return fmt.Errorf("marshal run details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedule_runs (id, owner_id, action, total, sent, failed, scheduled, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, emptyToNil(run.OwnerID), run.Action, run.Total, run.Sent, run.Failed, run.Scheduled, details, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent schedule runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.ScheduleRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, action, total, sent, failed, scheduled, details, created_at
		FROM schedule_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query schedule runs: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduleRun
	for rows.Next() {
		var run models.ScheduleRun
		var owner pgtype.Text
		var details []byte
		if err := rows.Scan(&run.ID, &owner, &run.Action, &run.Total, &run.Sent, &run.Failed, &run.Scheduled, &details, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		run.OwnerID = owner.String
		if err := json.Unmarshal(details, &run.Details); err != nil {
			return nil, fmt.Errorf("unmarshal run details: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule runs: %w", err)
	}
	return out, nil
}

const recordColumns = `id, recipient_id, campaign_id, owner_id, scheduled_time, schedule_day, destination, payload,
	status, retry_count, max_retries, executed_at, error_message, metadata, created_at, updated_at`

func scanRecord(row pgx.Row) (models.DispatchRecord, error) {
	var rec models.DispatchRecord
	var day pgtype.Date
	var executed pgtype.Timestamptz
	var lastErr pgtype.Text
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.RecipientID, &rec.CampaignID, &rec.OwnerID, &rec.ScheduledTime, &day,
		&rec.Destination, &rec.Payload, &rec.Status, &rec.RetryCount, &rec.MaxRetries, &executed, &lastErr,
		&meta, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DispatchRecord{}, ErrNotFound
		}
		return models.DispatchRecord{}, fmt.Errorf("scan dispatch record: %w", err)
	}
	if day.Valid {
		rec.ScheduleDay = day.Time
	}
	if executed.Valid {
		t := executed.Time
		rec.ExecutedAt = &t
	}
	rec.ErrorMessage = textPtr(lastErr)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return models.DispatchRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var c models.Campaign
	var maxRetries pgtype.Int4
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.MessageTemplate, &c.Status, &maxRetries, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Campaign{}, ErrNotFound
		}
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	if maxRetries.Valid {
		n := int(maxRetries.Int32)
		c.MaxRetries = &n
	}
	return c, nil
}

func outcomeErr(affected int64, err error, id string) error {
	if err != nil {
		return fmt.Errorf("update dispatch record %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("update dispatch record %s: %w", id, ErrNotExecuting)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
