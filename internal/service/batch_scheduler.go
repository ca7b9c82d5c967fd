package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/session-settlement-api/internal/models"
	"github.com/noah-isme/session-settlement-api/pkg/clock"
	"github.com/noah-isme/session-settlement-api/pkg/config"
	appErrors "github.com/noah-isme/session-settlement-api/pkg/errors"
)

const (
	stageReady     = "ready"
	stageAbsent    = "absent"
	stageCompleted = "completed"
	stageSettle    = "settle"
	stagePanic     = "panic"
)

const (
	// MaxLookBack bounds how far into the past any batch run may reach.
	MaxLookBack = 24 * time.Hour
	// DefaultCandidateLimit caps the number of sessions fetched per run.
	DefaultCandidateLimit = 1000
)

type candidateLister interface {
	ListCandidates(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
}

type lifecycleTransitioner interface {
	TransitionToReady(ctx context.Context, id string) error
	TransitionToAbsent(ctx context.Context, id string) (*TransitionResult, error)
	TransitionToCompleted(ctx context.Context, id string, manual bool) (*TransitionResult, error)
}

// BatchScheduler evaluates every candidate session against the lifecycle rules.
type BatchScheduler struct {
	sessions  candidateLister
	lifecycle lifecycleTransitioner
	clock     clock.Clock
	cfg       config.LifecycleConfig
	limit     int
	logger    *zap.Logger
}

// BatchSchedulerOption customises the scheduler.
type BatchSchedulerOption func(*BatchScheduler)

// WithCandidateLimit overrides DefaultCandidateLimit.
func WithCandidateLimit(limit int) BatchSchedulerOption {
	return func(b *BatchScheduler) {
		if limit > 0 {
			b.limit = limit
		}
	}
}

// NewBatchScheduler constructs the scheduler.
func NewBatchScheduler(sessions candidateLister, lifecycle lifecycleTransitioner, cfg config.LifecycleConfig, c clock.Clock, logger *zap.Logger, opts ...BatchSchedulerOption) *BatchScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BatchScheduler{
		sessions:  sessions,
		lifecycle: lifecycle,
		clock:     clock.OrReal(c),
		cfg:       cfg,
		limit:     DefaultCandidateLimit,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DefaultWindow is [now - look back, now + max future], with look back capped at MaxLookBack.
func (b *BatchScheduler) DefaultWindow() models.CandidateWindow {
	return b.bounds(b.clock.Now())
}

func (b *BatchScheduler) bounds(now time.Time) models.CandidateWindow {
	lookBack := time.Duration(b.cfg.LookBackHours) * time.Hour
	if lookBack <= 0 || lookBack > MaxLookBack {
		lookBack = MaxLookBack
	}
	return models.CandidateWindow{
		From:  now.Add(-lookBack),
		Until: now.Add(time.Duration(b.cfg.MaxFutureHours) * time.Hour),
	}
}

// clampWindow intersects an override with the allowed bounds. An override that
// does not overlap them is rejected.
func (b *BatchScheduler) clampWindow(window *models.CandidateWindow) (models.CandidateWindow, error) {
	allowed := b.bounds(b.clock.Now())
	if window == nil {
		return allowed, nil
	}
	if window.Until.Before(window.From) {
		return models.CandidateWindow{}, appErrors.Clone(appErrors.ErrValidation, "candidate window ends before it starts")
	}
	w := *window
	if w.From.Before(allowed.From) {
		w.From = allowed.From
	}
	if w.Until.After(allowed.Until) {
		w.Until = allowed.Until
	}
	if w.Until.Before(w.From) {
		return models.CandidateWindow{}, appErrors.WithDetails(appErrors.ErrValidation, "candidate window is outside the allowed range", allowed)
	}
	return w, nil
}

// EvaluateBatch applies ready, absent and completed transitions, in that order, to every
// candidate inside window (DefaultWindow when nil). An override is clamped to
// DefaultWindow's bounds. Each session is isolated: its failure lands in the
// summary and the loop continues. Only a failure to fetch candidates is returned
// as an error. ctx cancellation stops the fetch but never an in-flight loop.
func (b *BatchScheduler) EvaluateBatch(ctx context.Context, window *models.CandidateWindow) (*models.RunSummary, error) {
	w, err := b.clampWindow(window)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{StartedAt: b.clock.Now(), Window: w, Errors: []models.RunError{}}
	candidates, err := b.sessions.ListCandidates(ctx, models.SessionFilter{
		Statuses: []models.SessionStatus{
			models.SessionStatusScheduled,
			models.SessionStatusReady,
			models.SessionStatusOngoing,
		},
		ScheduledFrom:  w.From,
		ScheduledUntil: w.Until,
		Limit:          b.limit + 1,
	})
	if err != nil {
		return nil, appErrors.Transient(err, "failed to fetch lifecycle candidates")
	}
	if len(candidates) > b.limit {
		candidates = candidates[:b.limit]
		summary.Truncated = true
		b.logger.Warn("lifecycle candidates truncated, remaining sessions wait for the next run",
			zap.Int("limit", b.limit),
			zap.Time("window_from", w.From),
			zap.Time("window_until", w.Until),
		)
	}
	summary.Candidates = len(candidates)

	runCtx := WithTransitionOrigin(context.WithoutCancel(ctx), OriginBatch)
	for _, session := range candidates {
		b.evaluateSession(runCtx, session.ID, summary)
	}
	summary.FinishedAt = b.clock.Now()

	b.logger.Info("lifecycle batch evaluated",
		zap.Int("candidates", summary.Candidates),
		zap.Int("ready", summary.ReadyCount),
		zap.Int("absent", summary.AbsentCount),
		zap.Int("completed", summary.CompletedCount),
		zap.Int("skipped", summary.SkippedCount),
		zap.Int("settled", summary.SettledCount),
		zap.Int("errors", len(summary.Errors)),
		zap.Bool("truncated", summary.Truncated),
	)
	return summary, nil
}

func (b *BatchScheduler) evaluateSession(ctx context.Context, id string, summary *models.RunSummary) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic while evaluating session", zap.String("session_id", id), zap.Any("panic", r))
			summary.RecordError(id, stagePanic, fmt.Errorf("panic: %v", r))
		}
	}()

	err := b.lifecycle.TransitionToReady(ctx, id)
	if err == nil {
		summary.ReadyCount++
		return
	}
	if !appErrors.IsPreconditionNotMet(err) {
		summary.RecordError(id, stageReady, err)
		return
	}

	result, err := b.lifecycle.TransitionToAbsent(ctx, id)
	if err == nil {
		summary.AbsentCount++
		b.recordSettlement(id, result, summary)
		return
	}
	if !appErrors.IsPreconditionNotMet(err) {
		summary.RecordError(id, stageAbsent, err)
		return
	}

	result, err = b.lifecycle.TransitionToCompleted(ctx, id, false)
	if err == nil {
		summary.CompletedCount++
		b.recordSettlement(id, result, summary)
		return
	}
	if appErrors.IsPreconditionNotMet(err) {
		summary.SkippedCount++
		return
	}
	summary.RecordError(id, stageCompleted, err)
}

func (b *BatchScheduler) recordSettlement(id string, result *TransitionResult, summary *models.RunSummary) {
	if result == nil {
		return
	}
	if result.SettleErr != nil {
		summary.RecordError(id, stageSettle, result.SettleErr)
		return
	}
	if result.Earning != nil {
		summary.SettledCount++
	}
}

type batchEvaluator interface {
	EvaluateBatch(ctx context.Context, window *models.CandidateWindow) (*models.RunSummary, error)
}

// BatchRunner triggers EvaluateBatch on a cron schedule. Overlapping ticks in one
// process are skipped; overlap across processes is safe because transitions are
// compare-and-set.
type BatchRunner struct {
	evaluator batchEvaluator
	cron      *cron.Cron
	schedule  string
	timeout   time.Duration
	metrics   *MetricsService
	logger    *zap.Logger

	mu   sync.Mutex
	last *models.RunSummary
}

// NewBatchRunner constructs a runner for cfg.CronSchedule.
func NewBatchRunner(evaluator batchEvaluator, cfg config.LifecycleConfig, metrics *MetricsService, logger *zap.Logger) *BatchRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return &BatchRunner{
		evaluator: evaluator,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		schedule:  cfg.CronSchedule,
		timeout:   cfg.RunTimeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start registers the job and starts the cron loop.
func (r *BatchRunner) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, func() {
		_, _ = r.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule lifecycle batch %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("lifecycle batch runner started", zap.String("schedule", r.schedule))
	return nil
}

// Stop halts the schedule and waits for a running batch until ctx expires.
func (r *BatchRunner) Stop(ctx context.Context) {
	done := r.cron.Stop().Done()
	select {
	case <-done:
		r.logger.Info("lifecycle batch runner stopped")
	case <-ctx.Done():
		r.logger.Warn("lifecycle batch runner stop timed out", zap.Error(ctx.Err()))
	}
}

// RunOnce performs one evaluation with the configured fetch timeout and records it.
func (r *BatchRunner) RunOnce(ctx context.Context) (*models.RunSummary, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	started := time.Now()
	summary, err := r.evaluator.EvaluateBatch(ctx, nil)
	r.metrics.ObserveBatchRun(summary, time.Since(started), err)
	if err != nil {
		r.logger.Error("lifecycle batch failed", zap.Error(err))
		return nil, err
	}
	for _, runErr := range summary.Errors {
		r.logger.Warn("session failed during batch",
			zap.String("session_id", runErr.SessionID),
			zap.String("stage", runErr.Stage),
			zap.String("error", runErr.Error),
		)
	}
	r.mu.Lock()
	r.last = summary
	r.mu.Unlock()
	return summary, nil
}

// LastSummary returns the most recent successful run, if any.
func (r *BatchRunner) LastSummary() *models.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
