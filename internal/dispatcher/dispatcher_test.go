package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leados-scheduler/internal/coord"
	"leados-scheduler/internal/models"
	"leados-scheduler/internal/sender"
)

// memRepo keeps records in memory and applies the same guarded transitions as the store.
type memRepo struct {
	mu           sync.Mutex
	records      map[string]*models.DispatchRecord
	interactions []models.Interaction
	runs         []models.ScheduleRun
	claimHook    func(id string) bool
	markSentErr  error
	now          func() time.Time
}

func newMemRepo(records ...models.DispatchRecord) *memRepo {
	m := &memRepo{records: map[string]*models.DispatchRecord{}}
	for i := range records {
		rec := records[i]
		m.records[rec.ID] = &rec
	}
	return m
}

func (m *memRepo) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *memRepo) DueRecords(_ context.Context, from, to time.Time, limit int) ([]models.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchRecord
	for _, r := range m.records {
		if !models.IsDue(r.Status) {
			continue
		}
		if r.ScheduledTime.Before(from) || r.ScheduledTime.After(to) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ClaimRecord(_ context.Context, id, from string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimHook != nil && !m.claimHook(id) {
		return false, nil
	}
	r, ok := m.records[id]
	if !ok || r.Status != from || !models.CanTransition(from, models.StatusExecuting) {
		return false, nil
	}
	r.Status = models.StatusExecuting
	r.UpdatedAt = m.clock()
	return true, nil
}

func (m *memRepo) executing(id string) (*models.DispatchRecord, error) {
	r, ok := m.records[id]
	if !ok || r.Status != models.StatusExecuting {
		return nil, errors.New("record not executing")
	}
	return r, nil
}

func checkBudget(r *models.DispatchRecord, retryCount int) error {
	if retryCount > r.MaxRetries {
		return fmt.Errorf("retry_count %d exceeds max_retries %d", retryCount, r.MaxRetries)
	}
	return nil
}

func (m *memRepo) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markSentErr != nil {
		return m.markSentErr
	}
	r, err := m.executing(id)
	if err != nil {
		return err
	}
	r.Status = models.StatusSent
	r.ExecutedAt = &at
	return nil
}

func (m *memRepo) MarkRetrying(_ context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.executing(id)
	if err != nil {
		return err
	}
	if err := checkBudget(r, retryCount); err != nil {
		return err
	}
	r.Status = models.StatusRetrying
	r.RetryCount = retryCount
	r.ScheduledTime = nextRun
	r.ErrorMessage = &lastErr
	return nil
}

func (m *memRepo) MarkFailed(_ context.Context, id string, retryCount int, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.executing(id)
	if err != nil {
		return err
	}
	if err := checkBudget(r, retryCount); err != nil {
		return err
	}
	r.Status = models.StatusFailed
	r.RetryCount = retryCount
	r.ExecutedAt = &at
	r.ErrorMessage = &lastErr
	return nil
}

func (m *memRepo) AppendInteraction(_ context.Context, in models.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, in)
	return nil
}

func (m *memRepo) AppendRun(_ context.Context, run models.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRepo) ReclaimStale(_ context.Context, claimedBefore time.Time, reason string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.records {
		if r.Status != models.StatusExecuting || !r.UpdatedAt.Before(claimedBefore) {
			continue
		}
		at := m.clock()
		r.Status = models.StatusFailed
		r.ExecutedAt = &at
		r.ErrorMessage = &reason
		r.UpdatedAt = at
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memRepo) get(id string) models.DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

type stubSender struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, destination string) (sender.Result, error)
}

func (s *stubSender) Send(ctx context.Context, destination, _ string) (sender.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, destination)
	s.mu.Unlock()
	if s.fn == nil {
		return sender.Result{Success: true}, nil
	}
	return s.fn(ctx, destination)
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func failing(msg string) *stubSender {
	return &stubSender{fn: func(context.Context, string) (sender.Result, error) {
		return sender.Result{Success: false, Error: msg}, nil
	}}
}

var base = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func record(id string, at time.Time) models.DispatchRecord {
	return models.DispatchRecord{
		ID:            id,
		RecipientID:   "rcpt-" + id,
		CampaignID:    "camp-1",
		OwnerID:       "owner-1",
		ScheduledTime: at,
		ScheduleDay:   time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Destination:   "5511987654321",
		Payload:       "Oi!",
		Status:        models.StatusScheduled,
		MaxRetries:    3,
	}
}

func newTestDispatcher(repo Repository, s sender.Sender, opts Options) (*Dispatcher, *time.Time) {
	if opts.BatchPause == 0 {
		opts.BatchPause = time.Millisecond
	}
	d := New(repo, s, opts, nil)
	clock := base
	d.now = func() time.Time { return clock }
	return d, &clock
}

func TestDispatchSendsDueRecords(t *testing.T) {
	repo := newMemRepo(
		record("a", base.Add(-30*time.Second)),
		record("b", base.Add(20*time.Second)),
		record("later", base.Add(time.Hour)),
	)
	s := &stubSender{}
	d, _ := newTestDispatcher(repo, s, Options{})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Sent)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, base, sum.Timestamp)

	for _, id := range []string{"a", "b"} {
		rec := repo.get(id)
		assert.Equal(t, models.StatusSent, rec.Status)
		require.NotNil(t, rec.ExecutedAt)
		assert.Equal(t, base, *rec.ExecutedAt)
	}
	assert.Equal(t, models.StatusScheduled, repo.get("later").Status)
	assert.Len(t, repo.interactions, 2)

	require.Len(t, repo.runs, 1)
	assert.Equal(t, models.ActionDispatchExecuted, repo.runs[0].Action)
	assert.Equal(t, 2, repo.runs[0].Total)
	assert.Equal(t, 2, repo.runs[0].Sent)
}

func TestDispatchEmptyIsNoop(t *testing.T) {
	repo := newMemRepo(record("later", base.Add(time.Hour)))
	s := &stubSender{}
	d, _ := newTestDispatcher(repo, s, Options{})

	for i := 0; i < 2; i++ {
		sum, err := d.Dispatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Processed)
		assert.False(t, sum.Timestamp.IsZero())
	}
	assert.Zero(t, s.count())
	assert.Empty(t, repo.runs)
}

func TestDispatchRetriesFailedSend(t *testing.T) {
	repo := newMemRepo(record("a", base))
	d, _ := newTestDispatcher(repo, failing("provider unavailable"), Options{})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Retrying)

	rec := repo.get("a")
	assert.Equal(t, models.StatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, base.Add(5*time.Minute), rec.ScheduledTime)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "provider unavailable", *rec.ErrorMessage)
	assert.Empty(t, repo.interactions)
}

func TestDispatchRetryBound(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	dlq := coord.New(client, "test:dlq")

	repo := newMemRepo(record("a", base))
	s := failing("number not on whatsapp")
	d, clock := newTestDispatcher(repo, s, Options{})
	d.WithDeadLetter(dlq)
	ctx := context.Background()

	wantStatus := []string{models.StatusRetrying, models.StatusRetrying, models.StatusFailed}
	for cycle, want := range wantStatus {
		sum, err := d.Dispatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, sum.Processed, "cycle %d", cycle+1)
		rec := repo.get("a")
		assert.Equal(t, want, rec.Status, "cycle %d", cycle+1)
		assert.Equal(t, cycle+1, rec.RetryCount, "cycle %d", cycle+1)
		*clock = clock.Add(5 * time.Minute)
	}

	rec := repo.get("a")
	assert.LessOrEqual(t, rec.RetryCount, rec.MaxRetries)
	require.NotNil(t, rec.ExecutedAt)

	sum, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed, "failed records are not picked up again")
	assert.Equal(t, 3, s.count())

	ids, err := dlq.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestDispatchInvalidDestination(t *testing.T) {
	bad := record("bad", base)
	bad.Destination = "12345"

	t.Run("retried by default", func(t *testing.T) {
		repo := newMemRepo(bad)
		s := &stubSender{}
		d, _ := newTestDispatcher(repo, s, Options{})

		sum, err := d.Dispatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Retrying)
		assert.Equal(t, models.StatusRetrying, repo.get("bad").Status)
		assert.Zero(t, s.count(), "invalid destinations are never sent")
		assert.Contains(t, *repo.get("bad").ErrorMessage, "invalid destination")
	})

	t.Run("fail fast", func(t *testing.T) {
		repo := newMemRepo(bad)
		d, _ := newTestDispatcher(repo, &stubSender{}, Options{FailFastInvalidDestination: true})

		sum, err := d.Dispatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Dead)
		rec := repo.get("bad")
		assert.Equal(t, models.StatusFailed, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
	})
}

func TestDispatchSendTimeoutCountsAsFailure(t *testing.T) {
	repo := newMemRepo(record("slow", base))
	s := &stubSender{fn: func(ctx context.Context, _ string) (sender.Result, error) {
		<-ctx.Done()
		return sender.Result{}, ctx.Err()
	}}
	d, _ := newTestDispatcher(repo, s, Options{SendTimeout: 20 * time.Millisecond})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	rec := repo.get("slow")
	assert.Equal(t, models.StatusRetrying, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "timed out")
}

func TestDispatchSkipsLostClaims(t *testing.T) {
	repo := newMemRepo(record("a", base), record("b", base.Add(time.Second)))
	repo.claimHook = func(id string) bool { return id != "b" }
	s := &stubSender{}
	d, _ := newTestDispatcher(repo, s, Options{})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, s.count())
	assert.Equal(t, models.StatusScheduled, repo.get("b").Status)
}

func TestDispatchConcurrentRunsSendOnce(t *testing.T) {
	var recs []models.DispatchRecord
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		recs = append(recs, record(id, base))
	}
	repo := newMemRepo(recs...)
	s := &stubSender{}
	d1, _ := newTestDispatcher(repo, s, Options{ParallelSends: 2})
	d2, _ := newTestDispatcher(repo, s, Options{ParallelSends: 2})

	var wg sync.WaitGroup
	sums := make([]Summary, 2)
	for i, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := d.Dispatch(context.Background())
			assert.NoError(t, err)
			sums[i] = sum
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, s.count())
	assert.Equal(t, 6, sums[0].Processed+sums[1].Processed)
}

func TestDispatchChunksAndPauses(t *testing.T) {
	var recs []models.DispatchRecord
	for i := 0; i < 25; i++ {
		recs = append(recs, record(string(rune('a'+i)), base))
	}
	repo := newMemRepo(recs...)
	s := &stubSender{}
	d, _ := newTestDispatcher(repo, s, Options{ParallelSends: 10, BatchPause: 30 * time.Millisecond})

	started := time.Now()
	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, sum.Sent)
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond, "two pauses between three chunks")
}

func TestDispatchRespectsBatchSize(t *testing.T) {
	var recs []models.DispatchRecord
	for i := 0; i < 8; i++ {
		recs = append(recs, record(string(rune('a'+i)), base))
	}
	repo := newMemRepo(recs...)
	d, _ := newTestDispatcher(repo, &stubSender{}, Options{BatchSize: 5})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Processed)
}

func TestDispatchPersistenceErrorAborts(t *testing.T) {
	repo := newMemRepo(record("a", base))
	repo.markSentErr = errors.New("connection refused")
	d, _ := newTestDispatcher(repo, &stubSender{}, Options{})

	sum, err := d.Dispatch(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, sum.Processed)
	assert.Empty(t, repo.runs)
}

func TestDispatchZeroMaxRetriesFailsImmediately(t *testing.T) {
	rec := record("a", base)
	rec.MaxRetries = 0
	repo := newMemRepo(rec)
	s := failing("boom")
	d, clock := newTestDispatcher(repo, s, Options{})

	sum, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Dead)
	assert.Zero(t, sum.Retrying)
	got := repo.get("a")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	*clock = clock.Add(10 * time.Minute)
	sum, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Processed)
	assert.Equal(t, 1, s.count(), "a zero budget allows exactly one attempt")
}

func TestDispatchReclaimsStaleExecutingRecords(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	dlq := coord.New(client, "test:dlq")

	repo := newMemRepo(record("a", base))
	repo.markSentErr = errors.New("connection reset")
	s := &stubSender{}
	d, clock := newTestDispatcher(repo, s, Options{SendTimeout: time.Second, StaleAfter: 2 * time.Minute})
	d.WithDeadLetter(dlq)
	repo.now = func() time.Time { return *clock }
	ctx := context.Background()

	_, err = d.Dispatch(ctx)
	require.Error(t, err)
	require.Equal(t, models.StatusExecuting, repo.get("a").Status)

	repo.markSentErr = nil
	*clock = clock.Add(time.Minute)
	sum, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Reclaimed, "claims younger than StaleAfter are left alone")
	assert.Equal(t, models.StatusExecuting, repo.get("a").Status)

	*clock = clock.Add(2 * time.Minute)
	sum, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reclaimed)
	assert.Zero(t, sum.Processed)

	got := repo.get("a")
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "interrupted")
	assert.Equal(t, 1, s.count(), "reclaimed records are not resent")

	ids, err := dlq.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
