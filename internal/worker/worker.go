// Package worker implements the stage execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/logging"
	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Handler runs one stage for a task and returns the patch to merge.
type Handler interface {
	Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task pipeline.Task) (pipeline.Patch, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task pipeline.Task) (pipeline.Patch, error) {
	return f(ctx, task)
}

// Config controls Worker behavior.
type Config struct {
	// StageTimeouts bounds each handler run. Missing stages use DefaultTimeout.
	StageTimeouts  map[pipeline.Stage]time.Duration
	DefaultTimeout time.Duration
	// CompletedTopic receives a task.completed event after the last stage.
	CompletedTopic string
}

// Worker consumes stage messages and drives tasks forward.
type Worker struct {
	queue     pipeline.Queue
	store     pipeline.TaskStore
	announcer pipeline.Announcer
	publisher pipeline.Publisher
	handlers  map[pipeline.Stage]Handler
	clock     pipeline.Clock
	cfg       Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil to skip completion events.
func New(
	queue pipeline.Queue,
	store pipeline.TaskStore,
	announcer pipeline.Announcer,
	publisher pipeline.Publisher,
	handlers map[pipeline.Stage]Handler,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		announcer: announcer,
		publisher: publisher,
		handlers:  handlers,
		clock:     clock,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/JakeFAU/newsfacts-pipeline/internal/worker"),
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		w.Process(ctx, d)
	}
}

type outcome string

const (
	outcomeAdvanced  outcome = "advanced"
	outcomeDuplicate outcome = "duplicate"
	outcomeMissing   outcome = "missing"
	outcomeTerminal  outcome = "terminal"
	outcomeFailed    outcome = "failed"
	outcomeBlocked   outcome = "blocked"
	outcomeEarly     outcome = "early"
	outcomeRetry     outcome = "retry"
)

func (o outcome) redeliver() bool {
	return o == outcomeEarly || o == outcomeRetry
}

// Process handles one delivery and settles it.
func (w *Worker) Process(ctx context.Context, d pipeline.Delivery) {
	msg := d.Message
	stage := string(msg.Stage)
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Metadata))
	ctx, span := w.tracer.Start(ctx, "stage "+stage, trace.WithAttributes(
		attribute.String("task_id", msg.TaskID),
		attribute.String("stage", stage),
		attribute.Int("attempt", d.Attempt),
	))
	defer span.End()

	metrics.IncActiveWorkers(stage)
	start := w.now()
	result := w.handle(ctx, d)
	metrics.DecActiveWorkers(stage)
	metrics.ObserveStage(stage, string(result), w.now().Sub(start))
	span.SetAttributes(attribute.String("outcome", string(result)))

	logger := logging.ForTask(w.logger, msg.TaskID, stage).With(zap.Int("attempt", d.Attempt))
	if result.redeliver() {
		if err := d.Nack(); err != nil {
			logger.Error("nack failed", zap.Error(err))
		}
		logger.Debug("message nacked", zap.String("outcome", string(result)))
		return
	}
	if err := d.Ack(); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
	logger.Debug("message acked", zap.String("outcome", string(result)))
}

func (w *Worker) handle(ctx context.Context, d pipeline.Delivery) outcome {
	msg := d.Message
	logger := logging.ForTask(w.logger, msg.TaskID, string(msg.Stage))

	task, err := w.store.Get(ctx, msg.TaskID)
	if errors.Is(err, pipeline.ErrTaskNotFound) {
		logger.Warn("task not found, dropping message")
		return outcomeMissing
	}
	if err != nil {
		logger.Error("get task failed", zap.Error(err))
		return outcomeRetry
	}
	if task.Status.Terminal() {
		logger.Debug("task already terminal", zap.String("status", string(task.Status)))
		return outcomeTerminal
	}
	if !task.CurrentStage.Before(msg.Stage) {
		// Announce again: an earlier delivery may have advanced the task and
		// then lost the downstream announcement. Repeats downstream are
		// dropped as duplicates.
		if task.CurrentStage == msg.Stage && !w.announceNext(ctx, task.ID, msg.Stage, logger) {
			return outcomeRetry
		}
		logger.Debug("stage already recorded", zap.String("current_stage", string(task.CurrentStage)))
		return outcomeDuplicate
	}
	if prev, ok := msg.Stage.Prev(); ok && task.CurrentStage.Before(prev) {
		logger.Debug("predecessor stage not recorded yet", zap.String("current_stage", string(task.CurrentStage)))
		return outcomeEarly
	}
	handler, ok := w.handlers[msg.Stage]
	if !ok {
		logger.Warn("no handler for stage")
		return outcomeRetry
	}

	hctx, cancel := context.WithTimeout(ctx, w.timeout(msg.Stage))
	patch, err := handler.Handle(hctx, task)
	cancel()
	if err != nil {
		return w.fail(ctx, task, err, logger)
	}

	applied, err := w.store.Advance(ctx, task.ID, msg.Stage, patch)
	if err != nil {
		logger.Error("advance task failed", zap.Error(err))
		return outcomeRetry
	}
	if !applied {
		logger.Info("concurrent delivery already advanced task")
		return outcomeDuplicate
	}
	metrics.AddTokens(string(msg.Stage), patch.Tokens)
	logger.Info("stage completed", zap.Int("tokens", patch.Tokens))

	if _, ok := msg.Stage.Next(); !ok {
		metrics.ObserveTask(string(pipeline.StatusCompleted))
		w.publishCompleted(ctx, task.ID, logger)
		return outcomeAdvanced
	}
	if !w.announceNext(ctx, task.ID, msg.Stage, logger) {
		return outcomeRetry
	}
	return outcomeAdvanced
}

func (w *Worker) fail(ctx context.Context, task pipeline.Task, err error, logger *zap.Logger) outcome {
	var loadErr *pipeline.LoadFailure
	var blockedErr *pipeline.BlockedByDefenses
	switch {
	case errors.As(err, &loadErr):
		if markErr := w.store.MarkFailed(ctx, task.ID, loadErr.Reason); markErr != nil {
			logger.Error("mark task failed", zap.Error(markErr))
			return outcomeRetry
		}
		metrics.ObserveTask(string(pipeline.StatusFailed))
		logger.Warn("task failed", zap.String("reason", loadErr.Reason))
		return outcomeFailed
	case errors.As(err, &blockedErr):
		if markErr := w.store.MarkBlocked(ctx, task.ID, blockedErr.Reason); markErr != nil {
			logger.Error("mark task blocked", zap.Error(markErr))
			return outcomeRetry
		}
		metrics.ObserveTask(string(pipeline.StatusBlocked))
		logger.Warn("task blocked", zap.String("reason", blockedErr.Reason))
		return outcomeBlocked
	default:
		logger.Error("stage handler failed", zap.Error(err))
		return outcomeRetry
	}
}

func (w *Worker) announceNext(ctx context.Context, taskID string, stage pipeline.Stage, logger *zap.Logger) bool {
	next, ok := stage.Next()
	if !ok {
		return true
	}
	if err := w.announcer.Announce(ctx, taskID, next); err != nil {
		logger.Error("announce next stage failed", zap.String("next_stage", string(next)), zap.Error(err))
		return false
	}
	return true
}

// CompletedEvent is published once a task finishes its last stage.
type CompletedEvent struct {
	Event         string    `json:"event"`
	TaskID        string    `json:"task_id"`
	URL           string    `json:"url"`
	CanonicalURL  string    `json:"canonical_url,omitempty"`
	Claims        int       `json:"claims"`
	ExcludedCount int       `json:"excluded_claims"`
	TotalTokens   int       `json:"total_tokens"`
	CompletedAt   time.Time `json:"completed_at"`
}

func (w *Worker) publishCompleted(ctx context.Context, taskID string, logger *zap.Logger) {
	if w.publisher == nil || w.cfg.CompletedTopic == "" {
		return
	}
	task, err := w.store.Get(ctx, taskID)
	if err != nil {
		logger.Error("load completed task failed", zap.Error(err))
		return
	}
	event := CompletedEvent{
		Event:        "task.completed",
		TaskID:       task.ID,
		URL:          task.URL,
		CanonicalURL: task.CanonicalURL,
		TotalTokens:  task.TokenCosts.Total,
		CompletedAt:  w.now(),
	}
	if task.CompletedAt != nil {
		event.CompletedAt = *task.CompletedAt
	}
	if task.SemanticData != nil {
		event.Claims = len(task.SemanticData.Claims)
		event.ExcludedCount = len(task.SemanticData.ExcludedClaims)
	}
	id, err := w.publisher.Publish(ctx, w.cfg.CompletedTopic, event)
	if err != nil {
		logger.Error("publish completion event failed", zap.Error(err))
		return
	}
	logger.Info("task completed", zap.String("message_id", id), zap.Int("claims", event.Claims))
}

func (w *Worker) timeout(stage pipeline.Stage) time.Duration {
	if d, ok := w.cfg.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return w.cfg.DefaultTimeout
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
