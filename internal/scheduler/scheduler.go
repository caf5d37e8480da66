package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/smallbiznis/listing-automation/internal/adapter/profile"
	"github.com/smallbiznis/listing-automation/internal/config"
	"github.com/smallbiznis/listing-automation/internal/domain"
	"github.com/smallbiznis/listing-automation/internal/repository"
)

// TokenProvider is the slice of the token manager the scheduler needs.
type TokenProvider interface {
	GetValidCredential(ctx context.Context, principalID string) (string, error)
}

// HealthSink receives terminal auth verdicts observed mid-job.
type HealthSink interface {
	MarkReconnectRequired(principalID string)
}

// Scheduler is the per-resource recurring job engine. Each tick it decides
// which automations are due and executes each due resource/jobType pair at
// most once, concurrently across resources up to the worker-pool bound,
// strictly serialized per resource/jobType.
type Scheduler struct {
	configs  repository.AutomationConfigRepository
	records  repository.JobExecutionRepository
	posts    repository.QueuedPostRepository
	tokens   TokenProvider
	executor profile.Client
	health   HealthSink
	node     *snowflake.Node
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler wires the automation scheduler.
func NewScheduler(
	configs repository.AutomationConfigRepository,
	records repository.JobExecutionRepository,
	posts repository.QueuedPostRepository,
	tokens TokenProvider,
	executor profile.Client,
	health HealthSink,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		configs:  configs,
		records:  records,
		posts:    posts,
		tokens:   tokens,
		executor: executor,
		health:   health,
		node:     node,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/listing-automation/internal/scheduler"),
		sem:      semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		inflight: make(map[string]struct{}),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Run drives the tick loop until the context is cancelled, then waits for
// in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	s.log().Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.SchedulerTickInterval),
		zap.Int("worker_pool_size", s.cfg.WorkerPoolSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log().Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled config once and launches due jobs. Failures
// are local to their resource; one bad config never blocks the others.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.startSpan(ctx, "scheduler.Tick")
	defer span.End()

	configs, err := s.configs.ListEnabled(ctx)
	if err != nil {
		s.log().Error("list enabled configs failed", zap.Error(err))
		return
	}

	now := s.now()
	for _, cfg := range configs {
		if cfg.PostingEnabled {
			if err := cfg.Schedule.Validate(); err != nil {
				s.flagInvalidSchedule(ctx, cfg, err)
			} else if OccurrencesBetween(cfg.Schedule, cfg.LastRunAt, now) >= 1 {
				s.launch(ctx, cfg, domain.JobTypePost)
			}
		}
		if cfg.ReplyEnabled && replyCheckDue(cfg, now) {
			s.launch(ctx, cfg, domain.JobTypeReplyCheck)
		}
	}
}

// Wait blocks until all in-flight jobs complete. Exposed for tests and
// shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// flagInvalidSchedule disables posting for a resource whose stored schedule
// no longer validates, with a reason the owner can see on the config read.
// Other resources in the tick are unaffected.
func (s *Scheduler) flagInvalidSchedule(ctx context.Context, cfg domain.AutomationConfig, valErr error) {
	if err := s.configs.Disable(ctx, cfg.ResourceID, domain.JobTypePost, domain.DisabledReasonInvalidSchedule); err != nil {
		s.log().Error("flag invalid schedule failed",
			zap.String("resource_id", cfg.ResourceID), zap.Error(err))
	}
	s.log().Warn("disabled resource with invalid schedule",
		zap.String("resource_id", cfg.ResourceID), zap.Error(valErr))
}

// launch starts one execution cycle unless the same resource/jobType is
// already in flight or the worker pool is saturated; either way this tick
// simply skips and a later tick retries.
func (s *Scheduler) launch(ctx context.Context, cfg domain.AutomationConfig, jobType domain.JobType) {
	key := cfg.ResourceID + "|" + string(jobType)

	s.mu.Lock()
	if _, running := s.inflight[key]; running {
		s.mu.Unlock()
		return
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		s.clearInflight(key)
		s.log().Debug("worker pool saturated, deferring job",
			zap.String("resource_id", cfg.ResourceID), zap.String("job_type", string(jobType)))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.clearInflight(key)
		s.execute(ctx, cfg, jobType)
	}()
}

// execute runs one due cycle: bounded in-cycle retries for retryable
// failures, watermark advancement only on success, and exactly one
// JobExecutionRecord for the cycle outcome.
func (s *Scheduler) execute(ctx context.Context, cfg domain.AutomationConfig, jobType domain.JobType) {
	ctx, span := s.startSpan(ctx, "scheduler.execute")
	defer span.End()

	started := s.now()
	backoff := s.cfg.JobRetryBase

	var err error
	attempt := 1
	for ; attempt <= s.cfg.JobRetryAttempts; attempt++ {
		err = s.runJob(ctx, cfg, jobType)
		if err == nil || !domain.IsRetryable(err) {
			break
		}
		if attempt == s.cfg.JobRetryAttempts {
			break
		}
		s.log().Warn("job attempt failed, retrying in cycle",
			zap.String("resource_id", cfg.ResourceID),
			zap.String("job_type", string(jobType)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
			break
		}
		backoff *= 2
	}

	// Record writes must survive the job context being canceled mid-flight.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		s.finishSuccess(persistCtx, cfg, jobType, started, attempt)
	case domain.IsTerminalAuth(err) || errors.Is(err, domain.ErrResourceGone):
		s.finishTerminal(persistCtx, cfg, jobType, started, attempt, err)
	default:
		// Watermark untouched: the job stays due and a later tick retries.
		// Only an explicit terminal verdict may disable an automation, so
		// cancellation during shutdown and unclassified errors land here.
		s.appendRecord(persistCtx, cfg.ResourceID, jobType, started, domain.OutcomeRetryableFailure, attempt, err)
		s.log().Warn("job deferred to next tick",
			zap.String("resource_id", cfg.ResourceID),
			zap.String("job_type", string(jobType)),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) finishSuccess(ctx context.Context, cfg domain.AutomationConfig, jobType domain.JobType, started time.Time, attempt int) {
	now := s.now()
	var err error
	if jobType == domain.JobTypePost {
		err = s.configs.UpdateLastRun(ctx, cfg.ResourceID, now)
	} else {
		err = s.configs.UpdateLastReplyCheck(ctx, cfg.ResourceID, now)
	}
	if err != nil {
		s.log().Error("advance watermark failed", zap.String("resource_id", cfg.ResourceID), zap.Error(err))
	}
	s.appendRecord(ctx, cfg.ResourceID, jobType, started, domain.OutcomeSuccess, attempt, nil)
	s.log().Info("job completed",
		zap.String("resource_id", cfg.ResourceID),
		zap.String("job_type", string(jobType)),
		zap.Int("attempt", attempt),
	)
}

// finishTerminal disables the specific automation with a reason the owner
// can tell apart from having turned it off, records the failure, and feeds
// auth verdicts to the health monitor. Never silently swallowed.
func (s *Scheduler) finishTerminal(ctx context.Context, cfg domain.AutomationConfig, jobType domain.JobType, started time.Time, attempt int, jobErr error) {
	reason := domain.DisabledReasonResourceGone
	if domain.IsTerminalAuth(jobErr) {
		reason = domain.DisabledReasonReconnectRequired
	}
	if err := s.configs.Disable(ctx, cfg.ResourceID, jobType, reason); err != nil {
		s.log().Error("disable automation failed", zap.String("resource_id", cfg.ResourceID), zap.Error(err))
	}
	s.appendRecord(ctx, cfg.ResourceID, jobType, started, domain.OutcomeTerminalFailure, attempt, jobErr)

	if domain.IsTerminalAuth(jobErr) && s.health != nil {
		s.health.MarkReconnectRequired(cfg.OwnerPrincipalID)
	}

	s.log().Error("automation disabled after terminal failure",
		zap.String("resource_id", cfg.ResourceID),
		zap.String("job_type", string(jobType)),
		zap.String("reason", reason),
		zap.Error(jobErr),
	)
}

func (s *Scheduler) runJob(ctx context.Context, cfg domain.AutomationConfig, jobType domain.JobType) error {
	accessToken, err := s.tokens.GetValidCredential(ctx, cfg.OwnerPrincipalID)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshFailed) {
			// Exhausted refresh retries are transient for the job's purposes.
			return domain.Retryable(err)
		}
		return err
	}

	if jobType == domain.JobTypePost {
		return s.runPostJob(ctx, cfg, accessToken)
	}
	return s.runReplyJob(ctx, cfg, accessToken)
}

// runPostJob publishes the oldest pending post for the resource. An empty
// queue completes the occurrence without an external call.
func (s *Scheduler) runPostJob(ctx context.Context, cfg domain.AutomationConfig, accessToken string) error {
	post, found, err := s.posts.NextPending(ctx, cfg.ResourceID)
	if err != nil {
		return domain.Retryable(err)
	}
	if !found {
		s.log().Debug("no pending post for resource", zap.String("resource_id", cfg.ResourceID))
		return nil
	}

	if err := s.executor.CreatePost(ctx, accessToken, cfg.ResourceID, post.Body); err != nil {
		return err
	}
	if err := s.posts.MarkPublished(ctx, post.ID, s.now()); err != nil {
		// The post went out; a bookkeeping failure must not trigger a
		// duplicate publish, so log instead of failing the cycle.
		s.log().Error("mark post published failed", zap.Int64("post_id", post.ID), zap.Error(err))
	}
	return nil
}

func (s *Scheduler) runReplyJob(ctx context.Context, cfg domain.AutomationConfig, accessToken string) error {
	reviews, err := s.executor.ListUnansweredReviews(ctx, accessToken, cfg.ResourceID)
	if err != nil {
		return err
	}

	message := cfg.ReplyMessage
	if message == "" {
		message = "Thank you for your feedback!"
	}
	for _, review := range reviews {
		if err := s.executor.Reply(ctx, accessToken, cfg.ResourceID, review.ReviewID, message); err != nil {
			return fmt.Errorf("reply to review %s: %w", review.ReviewID, err)
		}
	}
	return nil
}

func (s *Scheduler) appendRecord(ctx context.Context, resourceID string, jobType domain.JobType, started time.Time, outcome domain.JobOutcome, attempt int, jobErr error) {
	record := domain.JobExecutionRecord{
		ID:         s.node.Generate().Int64(),
		ResourceID: resourceID,
		JobType:    jobType,
		StartedAt:  started,
		Outcome:    outcome,
		Attempt:    attempt,
	}
	if jobErr != nil {
		record.Error = jobErr.Error()
	}
	if err := s.records.Append(ctx, record); err != nil {
		s.log().Error("append job execution failed", zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func (s *Scheduler) clearInflight(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Scheduler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *Scheduler) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
