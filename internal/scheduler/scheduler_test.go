package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
)

func TestScheduler_DuePostPublishesAndAdvancesWatermark(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}
	h.posts.pending["loc-1"] = []domain.QueuedPost{{ID: 11, ResourceID: "loc-1", Body: "Fresh bread every morning"}}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Equal(t, []string{"Fresh bread every morning"}, h.executor.posted["loc-1"])
	require.Equal(t, []int64{11}, h.posts.published)
	require.Equal(t, h.now, h.configs.lastRun["loc-1"])

	require.Len(t, h.records.records, 1)
	record := h.records.records[0]
	require.Equal(t, domain.JobTypePost, record.JobType)
	require.Equal(t, domain.OutcomeSuccess, record.Outcome)
	require.NotZero(t, record.ID)
}

func TestScheduler_MissedRunsCollapseToOne(t *testing.T) {
	h := newSchedulerTestHarness(t)
	// Five missed daily occurrences while the process was down.
	lastRun := h.now.Add(-5 * 24 * time.Hour)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", lastRun)}
	h.posts.pending["loc-1"] = []domain.QueuedPost{
		{ID: 1, ResourceID: "loc-1", Body: "one"},
		{ID: 2, ResourceID: "loc-1", Body: "two"},
	}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Len(t, h.executor.posted["loc-1"], 1, "missed occurrences collapse into a single run")
	require.Equal(t, h.now, h.configs.lastRun["loc-1"], "watermark jumps to now, not to a missed slot")
}

func TestScheduler_NotDueDoesNothing(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", h.now.Add(-time.Hour))}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Empty(t, h.executor.posted)
	require.Empty(t, h.records.records)
}

func TestScheduler_EmptyQueueCompletesWithoutPublish(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Empty(t, h.executor.posted)
	require.Equal(t, h.now, h.configs.lastRun["loc-1"], "an empty queue still completes the occurrence")
	require.Len(t, h.records.records, 1)
	require.Equal(t, domain.OutcomeSuccess, h.records.records[0].Outcome)
}

func TestScheduler_InvalidScheduleSkipsOnlyThatResource(t *testing.T) {
	h := newSchedulerTestHarness(t)
	bad := dailyConfig("loc-bad", "principal-1", time.Time{})
	bad.Schedule.Hour = 99
	h.configs.configs = []domain.AutomationConfig{bad, dailyConfig("loc-good", "principal-1", time.Time{})}
	h.posts.pending["loc-good"] = []domain.QueuedPost{{ID: 7, ResourceID: "loc-good", Body: "ok"}}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Empty(t, h.executor.posted["loc-bad"])
	require.Equal(t, domain.DisabledReasonInvalidSchedule, h.configs.disabled["loc-bad|post"],
		"a broken schedule is surfaced to the owner, not just logged")
	require.Equal(t, []string{"ok"}, h.executor.posted["loc-good"])
}

func TestScheduler_CancellationDefersInsteadOfDisabling(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}
	h.tokens.err = context.Canceled

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Empty(t, h.configs.disabled, "shutdown mid-job must not disable an automation")
	require.Empty(t, h.health.marked)
	require.Empty(t, h.configs.lastRun, "the job stays due for the next tick")
	require.Len(t, h.records.records, 1)
	require.Equal(t, domain.OutcomeRetryableFailure, h.records.records[0].Outcome)
}

func TestScheduler_RetryableFailureKeepsWatermark(t *testing.T) {
	h := newSchedulerTestHarness(t)
	lastRun := h.now.Add(-25 * time.Hour)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", lastRun)}
	h.posts.pending["loc-1"] = []domain.QueuedPost{{ID: 5, ResourceID: "loc-1", Body: "flaky"}}
	h.executor.postErr = domain.Retryable(errors.New("profile api: status=503"))

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Equal(t, 2, h.executor.postCalls, "in-cycle retries exhaust the attempt budget")
	require.Empty(t, h.configs.lastRun, "failed cycle leaves the watermark untouched")
	require.Len(t, h.records.records, 1)
	require.Equal(t, domain.OutcomeRetryableFailure, h.records.records[0].Outcome)
	require.Empty(t, h.configs.disabled)
}

func TestScheduler_TerminalAuthDisablesAndNotifiesHealth(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}
	h.tokens.err = domain.ErrReauthorizationRequired

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Equal(t, domain.DisabledReasonReconnectRequired, h.configs.disabled["loc-1|post"])
	require.Equal(t, []string{"principal-1"}, h.health.marked)
	require.Len(t, h.records.records, 1)
	require.Equal(t, domain.OutcomeTerminalFailure, h.records.records[0].Outcome)
	require.True(t, h.configs.lastRun["loc-1"].IsZero(), "terminal failure never advances the watermark")
}

func TestScheduler_ResourceGoneDisablesWithoutHealthMark(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}
	h.posts.pending["loc-1"] = []domain.QueuedPost{{ID: 3, ResourceID: "loc-1", Body: "gone"}}
	h.executor.postErr = domain.ErrResourceGone

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Equal(t, domain.DisabledReasonResourceGone, h.configs.disabled["loc-1|post"])
	require.Empty(t, h.health.marked)
}

func TestScheduler_ReplyCheckAnswersEveryUnansweredReview(t *testing.T) {
	h := newSchedulerTestHarness(t)
	cfg := domain.AutomationConfig{
		ResourceID:           "loc-1",
		OwnerPrincipalID:     "principal-1",
		ReplyEnabled:         true,
		CheckIntervalSeconds: 600,
		ReplyMessage:         "Thanks for visiting!",
	}
	h.configs.configs = []domain.AutomationConfig{cfg}
	h.executor.reviews["loc-1"] = []domain.Review{
		{ReviewID: "rev-1", ResourceID: "loc-1"},
		{ReviewID: "rev-2", ResourceID: "loc-1"},
	}

	h.scheduler.Tick(context.Background())
	h.scheduler.Wait()

	require.Equal(t, map[string]string{"rev-1": "Thanks for visiting!", "rev-2": "Thanks for visiting!"}, h.executor.replies)
	require.Equal(t, h.now, h.configs.lastReplyCheck["loc-1"])
	require.Len(t, h.records.records, 1)
	require.Equal(t, domain.JobTypeReplyCheck, h.records.records[0].JobType)
}

func TestScheduler_NoDuplicateInFlightExecution(t *testing.T) {
	h := newSchedulerTestHarness(t)
	h.configs.configs = []domain.AutomationConfig{dailyConfig("loc-1", "principal-1", time.Time{})}
	h.posts.pending["loc-1"] = []domain.QueuedPost{{ID: 9, ResourceID: "loc-1", Body: "slow"}}
	h.executor.gate = make(chan struct{})

	ctx := context.Background()
	h.scheduler.Tick(ctx)
	// A second tick while the first job is still running must not start a
	// duplicate for the same resource and job type.
	h.scheduler.Tick(ctx)
	close(h.executor.gate)
	h.scheduler.Wait()

	require.Equal(t, 1, h.executor.postCalls)
}

// ---- Test harness and fakes ----

type schedulerTestHarness struct {
	scheduler *Scheduler
	configs   *fakeConfigRepo
	records   *fakeRecordRepo
	posts     *fakePostRepo
	tokens    *fakeTokenProvider
	executor  *fakeExecutor
	health    *fakeHealthSink
	now       time.Time
}

func newSchedulerTestHarness(t *testing.T) *schedulerTestHarness {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := &schedulerTestHarness{
		configs:  &fakeConfigRepo{lastRun: map[string]time.Time{}, lastReplyCheck: map[string]time.Time{}, disabled: map[string]string{}},
		records:  &fakeRecordRepo{},
		posts:    &fakePostRepo{pending: map[string][]domain.QueuedPost{}},
		tokens:   &fakeTokenProvider{token: "access-token"},
		executor: &fakeExecutor{posted: map[string][]string{}, reviews: map[string][]domain.Review{}, replies: map[string]string{}},
		health:   &fakeHealthSink{},
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	cfg := config.Config{
		SchedulerTickInterval: time.Minute,
		JobRetryAttempts:      2,
		JobRetryBase:          time.Millisecond,
		WorkerPoolSize:        4,
	}
	h.scheduler = NewScheduler(h.configs, h.records, h.posts, h.tokens, h.executor, h.health, node, cfg, zap.NewNop())
	h.scheduler.now = func() time.Time { return h.now }
	h.scheduler.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return h
}

func dailyConfig(resourceID, ownerID string, lastRun time.Time) domain.AutomationConfig {
	return domain.AutomationConfig{
		ResourceID:       resourceID,
		OwnerPrincipalID: ownerID,
		PostingEnabled:   true,
		Schedule:         domain.Schedule{Frequency: domain.FrequencyDaily, Hour: 9, Minute: 0},
		LastRunAt:        lastRun,
	}
}

type fakeConfigRepo struct {
	mu             sync.Mutex
	configs        []domain.AutomationConfig
	lastRun        map[string]time.Time
	lastReplyCheck map[string]time.Time
	disabled       map[string]string
}

func (f *fakeConfigRepo) Get(ctx context.Context, resourceID string) (domain.AutomationConfig, error) {
	for _, cfg := range f.configs {
		if cfg.ResourceID == resourceID {
			return cfg, nil
		}
	}
	return domain.AutomationConfig{}, domain.ErrConfigNotFound
}

func (f *fakeConfigRepo) ListEnabled(ctx context.Context) ([]domain.AutomationConfig, error) {
	return f.configs, nil
}

func (f *fakeConfigRepo) Save(ctx context.Context, cfg domain.AutomationConfig) error {
	return nil
}

func (f *fakeConfigRepo) UpdateLastRun(ctx context.Context, resourceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun[resourceID] = at
	return nil
}

func (f *fakeConfigRepo) UpdateLastReplyCheck(ctx context.Context, resourceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReplyCheck[resourceID] = at
	return nil
}

func (f *fakeConfigRepo) Disable(ctx context.Context, resourceID string, jobType domain.JobType, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[resourceID+"|"+string(jobType)] = reason
	return nil
}

type fakeRecordRepo struct {
	mu      sync.Mutex
	records []domain.JobExecutionRecord
}

func (f *fakeRecordRepo) Append(ctx context.Context, record domain.JobExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeRecordRepo) ListRecent(ctx context.Context, resourceID string, limit int) ([]domain.JobExecutionRecord, error) {
	return f.records, nil
}

type fakePostRepo struct {
	mu        sync.Mutex
	pending   map[string][]domain.QueuedPost
	published []int64
}

func (f *fakePostRepo) Enqueue(ctx context.Context, post domain.QueuedPost) (domain.QueuedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[post.ResourceID] = append(f.pending[post.ResourceID], post)
	return post, nil
}

func (f *fakePostRepo) NextPending(ctx context.Context, resourceID string) (domain.QueuedPost, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.pending[resourceID]
	if len(queue) == 0 {
		return domain.QueuedPost{}, false, nil
	}
	return queue[0], true, nil
}

func (f *fakePostRepo) MarkPublished(ctx context.Context, postID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, postID)
	for resourceID, queue := range f.pending {
		for i, post := range queue {
			if post.ID == postID {
				f.pending[resourceID] = append(queue[:i], queue[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

type fakeTokenProvider struct {
	token string
	err   error
}

func (f *fakeTokenProvider) GetValidCredential(ctx context.Context, principalID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	posted    map[string][]string
	postCalls int
	postErr   error
	reviews   map[string][]domain.Review
	replies   map[string]string
	gate      chan struct{}
}

func (f *fakeExecutor) CreatePost(ctx context.Context, accessToken, resourceID, body string) error {
	f.mu.Lock()
	f.postCalls++
	err := f.postErr
	if err == nil {
		f.posted[resourceID] = append(f.posted[resourceID], body)
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeExecutor) ListUnansweredReviews(ctx context.Context, accessToken, resourceID string) ([]domain.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reviews[resourceID], nil
}

func (f *fakeExecutor) Reply(ctx context.Context, accessToken, resourceID, reviewID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[reviewID] = text
	return nil
}

type fakeHealthSink struct {
	mu     sync.Mutex
	marked []string
}

func (f *fakeHealthSink) MarkReconnectRequired(principalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, principalID)
}
