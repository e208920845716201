package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/clock/system"
	"github.com/JakeFAU/newsfacts-pipeline/internal/dispatcher"
	iduuid "github.com/JakeFAU/newsfacts-pipeline/internal/id/uuid"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	memorypublisher "github.com/JakeFAU/newsfacts-pipeline/internal/publisher/memory"
	memoryqueue "github.com/JakeFAU/newsfacts-pipeline/internal/queue/memory"
	"github.com/JakeFAU/newsfacts-pipeline/internal/storage/memory"
)

var now = time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)

type settleRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (r *settleRecorder) delivery(taskID string, stage pipeline.Stage, attempt int) pipeline.Delivery {
	return pipeline.NewDelivery(pipeline.StageMessage{TaskID: taskID, Stage: stage}, attempt,
		func() error { r.mu.Lock(); r.acks++; r.mu.Unlock(); return nil },
		func() error { r.mu.Lock(); r.nacks++; r.mu.Unlock(); return nil },
	)
}

func (r *settleRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks, r.nacks
}

type recordingAnnouncer struct {
	mu        sync.Mutex
	announced []pipeline.StageMessage
	err       error
	failOnce  error
}

func (a *recordingAnnouncer) Announce(_ context.Context, taskID string, stage pipeline.Stage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failOnce; err != nil {
		a.failOnce = nil
		return err
	}
	if a.err != nil {
		return a.err
	}
	a.announced = append(a.announced, pipeline.StageMessage{TaskID: taskID, Stage: stage})
	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	patch pipeline.Patch
	err   error
}

func (h *countingHandler) Handle(context.Context, pipeline.Task) (pipeline.Patch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.patch, h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	store     *memory.TaskStore
	announcer *recordingAnnouncer
	handlers  map[pipeline.Stage]*countingHandler
	worker    *Worker
	settle    *settleRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewTaskStore(system.NewFixed(now), iduuid.New()),
		announcer: &recordingAnnouncer{},
		handlers:  map[pipeline.Stage]*countingHandler{},
		settle:    &settleRecorder{},
	}
	handlers := map[pipeline.Stage]Handler{}
	for _, stage := range pipeline.WorkStages() {
		h := &countingHandler{patch: pipeline.Patch{Tokens: 100}}
		f.handlers[stage] = h
		handlers[stage] = h
	}
	f.worker = New(nil, f.store, f.announcer, nil, handlers, system.NewFixed(now), Config{}, zap.NewNop())
	return f
}

func (f *fixture) createAt(t *testing.T, id string, stage pipeline.Stage) {
	t.Helper()
	_, err := f.store.Create(context.Background(), pipeline.NewTask{ID: id, URL: "https://example.com/a"})
	require.NoError(t, err)
	for _, s := range pipeline.WorkStages() {
		if stage.Before(s) {
			break
		}
		applied, err := f.store.Advance(context.Background(), id, s, pipeline.Patch{Tokens: 100})
		require.NoError(t, err)
		require.True(t, applied)
	}
}

func TestProcessAdvancesAndAnnouncesNextStage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StageExtraction)

	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageCleaning, 1))

	acks, nacks := f.settle.counts()
	require.Equal(t, 1, acks)
	require.Zero(t, nacks)
	task, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCleaning, task.CurrentStage)
	require.Equal(t, pipeline.StatusProcessing, task.Status)
	require.Equal(t, []pipeline.StageMessage{{TaskID: "task-1", Stage: pipeline.StageResolution}}, f.announcer.announced)
}

func TestProcessDuplicateDeliveryIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StageCleaning)
	before, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)

	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageCleaning, 1))
	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageExtraction, 1))

	acks, nacks := f.settle.counts()
	require.Equal(t, 2, acks)
	require.Zero(t, nacks)
	require.Zero(t, f.handlers[pipeline.StageCleaning].count())
	// Only the delivery matching the current stage announces its successor.
	require.Equal(t, []pipeline.StageMessage{{TaskID: "task-1", Stage: pipeline.StageResolution}}, f.announcer.announced)

	after, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, before.TokenCosts, after.TokenCosts)
	require.Equal(t, 200, after.TokenCosts.Total)
}

func TestProcessRedeliveryRecoversLostAnnouncement(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StagePending)
	f.announcer.failOnce = errors.New("queue down")

	// Transports without a delivery counter report every attempt as the first.
	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageExtraction, 1))
	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageExtraction, 1))

	acks, nacks := f.settle.counts()
	require.Equal(t, 1, acks)
	require.Equal(t, 1, nacks)
	require.Equal(t, 1, f.handlers[pipeline.StageExtraction].count())
	require.Equal(t, []pipeline.StageMessage{{TaskID: "task-1", Stage: pipeline.StageCleaning}}, f.announcer.announced)

	task, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageExtraction, task.CurrentStage)
	require.Equal(t, 100, task.TokenCosts.Extraction)
}

func TestProcessReannounceFailureNacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StageCleaning)
	f.announcer.err = errors.New("queue down")

	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageCleaning, 3))

	acks, nacks := f.settle.counts()
	require.Zero(t, acks)
	require.Equal(t, 1, nacks)
	require.Zero(t, f.handlers[pipeline.StageCleaning].count())
}

func TestProcessEarlyMessageIsNacked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StagePending)

	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageCleaning, 1))

	acks, nacks := f.settle.counts()
	require.Zero(t, acks)
	require.Equal(t, 1, nacks)
	require.Zero(t, f.handlers[pipeline.StageCleaning].count())
}

func TestProcessMissingAndTerminalTasksAreAcked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "failed", pipeline.StageExtraction)
	require.NoError(t, f.store.MarkFailed(context.Background(), "failed", "gone"))

	f.worker.Process(context.Background(), f.settle.delivery("missing", pipeline.StageExtraction, 1))
	f.worker.Process(context.Background(), f.settle.delivery("failed", pipeline.StageCleaning, 1))

	acks, nacks := f.settle.counts()
	require.Equal(t, 2, acks)
	require.Zero(t, nacks)
	require.Zero(t, f.handlers[pipeline.StageExtraction].count())
	require.Zero(t, f.handlers[pipeline.StageCleaning].count())
}

func TestProcessErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		status    pipeline.Status
		nacked    bool
		errorText string
		blockText string
	}{
		{name: "load failure", err: &pipeline.LoadFailure{Reason: "HTTP 404"}, status: pipeline.StatusFailed, errorText: "HTTP 404"},
		{name: "blocked", err: &pipeline.BlockedByDefenses{Reason: "captcha"}, status: pipeline.StatusBlocked, blockText: "captcha"},
		{name: "wrapped load failure", err: errorsJoin(&pipeline.LoadFailure{Reason: "dns"}), status: pipeline.StatusFailed, errorText: "dns"},
		{name: "transient", err: errors.New("store unavailable"), status: pipeline.StatusPending, nacked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.createAt(t, "task-1", pipeline.StagePending)
			f.handlers[pipeline.StageExtraction].err = tt.err

			f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageExtraction, 1))

			acks, nacks := f.settle.counts()
			if tt.nacked {
				require.Equal(t, 1, nacks)
				require.Zero(t, acks)
			} else {
				require.Equal(t, 1, acks)
				require.Zero(t, nacks)
			}
			task, err := f.store.Get(context.Background(), "task-1")
			require.NoError(t, err)
			require.Equal(t, tt.status, task.Status)
			require.Equal(t, tt.errorText, task.Error)
			require.Equal(t, tt.blockText, task.BlockReason)
			require.Empty(t, f.announcer.announced)
		})
	}
}

func errorsJoin(err error) error {
	return errors.Join(errors.New("extraction"), err)
}

func TestProcessAnnounceFailureNacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createAt(t, "task-1", pipeline.StagePending)
	f.announcer.err = errors.New("queue down")

	f.worker.Process(context.Background(), f.settle.delivery("task-1", pipeline.StageExtraction, 1))

	_, nacks := f.settle.counts()
	require.Equal(t, 1, nacks)
	task, err := f.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageExtraction, task.CurrentStage)
}

func TestProcessMissingHandlerNacks(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(system.NewFixed(now), iduuid.New())
	_, err := store.Create(context.Background(), pipeline.NewTask{ID: "task-1", URL: "https://example.com"})
	require.NoError(t, err)
	w := New(nil, store, &recordingAnnouncer{}, nil, map[pipeline.Stage]Handler{}, nil, Config{}, nil)
	rec := &settleRecorder{}

	w.Process(context.Background(), rec.delivery("task-1", pipeline.StageExtraction, 1))

	_, nacks := rec.counts()
	require.Equal(t, 1, nacks)
}

func TestProcessAppliesStageTimeout(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(system.NewFixed(now), iduuid.New())
	_, err := store.Create(context.Background(), pipeline.NewTask{ID: "task-1", URL: "https://example.com"})
	require.NoError(t, err)

	var deadline time.Time
	handler := HandlerFunc(func(ctx context.Context, _ pipeline.Task) (pipeline.Patch, error) {
		deadline, _ = ctx.Deadline()
		return pipeline.Patch{}, nil
	})
	w := New(nil, store, &recordingAnnouncer{}, nil,
		map[pipeline.Stage]Handler{pipeline.StageExtraction: handler}, nil,
		Config{StageTimeouts: map[pipeline.Stage]time.Duration{pipeline.StageExtraction: time.Minute}}, nil)

	w.Process(context.Background(), (&settleRecorder{}).delivery("task-1", pipeline.StageExtraction, 1))
	require.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

// TestWorkerRunCompletesPipeline drives a task through every stage over the
// in-memory queue and checks the completion event.
func TestWorkerRunCompletesPipeline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memoryqueue.NewQueue(8, time.Millisecond)
	t.Cleanup(queue.Close)
	store := memory.NewTaskStore(system.NewFixed(now), iduuid.New())
	publisher := memorypublisher.New()
	dispatch := dispatcher.New(queue, zap.NewNop())

	raw := pipeline.PageResult{URL: "https://example.com/a", Status: pipeline.LoadReadable, ContentText: "body"}
	semantic := pipeline.SemanticData{Claims: []pipeline.Claim{{ID: "clm_1"}}, ExcludedClaims: []pipeline.Claim{}}
	handlers := map[pipeline.Stage]Handler{
		pipeline.StageExtraction: HandlerFunc(func(context.Context, pipeline.Task) (pipeline.Patch, error) {
			return pipeline.Patch{RawResult: &raw}, nil
		}),
		pipeline.StageCleaning: HandlerFunc(func(context.Context, pipeline.Task) (pipeline.Patch, error) {
			return pipeline.Patch{CleanedResult: &pipeline.ValidationResult{IsValid: true}, Tokens: 120}, nil
		}),
		pipeline.StageResolution: HandlerFunc(func(context.Context, pipeline.Task) (pipeline.Patch, error) {
			return pipeline.Patch{ResolvedEntities: &pipeline.EntityResolution{}, Tokens: 80}, nil
		}),
		pipeline.StageSemantization: HandlerFunc(func(context.Context, pipeline.Task) (pipeline.Patch, error) {
			return pipeline.Patch{SemanticData: &semantic, Tokens: 300}, nil
		}),
	}
	for i := 0; i < 2; i++ {
		dispatch.AddWorkers(New(queue, store, dispatch, publisher, handlers, system.NewFixed(now), Config{CompletedTopic: "tasks"}, zap.NewNop()))
	}
	go dispatch.Run(ctx)

	task, err := store.Create(ctx, pipeline.NewTask{URL: "https://example.com/a"})
	require.NoError(t, err)
	require.NoError(t, dispatch.Announce(ctx, task.ID, pipeline.StageExtraction))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, task.ID)
		return err == nil && got.Status == pipeline.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.TokenCosts{Cleaning: 120, Resolution: 80, Semantization: 300, Total: 500}, got.TokenCosts)
	require.NotNil(t, got.CompletedAt)

	require.Eventually(t, func() bool { return len(publisher.Topic("tasks")) == 1 }, time.Second, 10*time.Millisecond)
	var event CompletedEvent
	require.NoError(t, publisher.Topic("tasks")[0].Decode(&event))
	require.Equal(t, "task.completed", event.Event)
	require.Equal(t, task.ID, event.TaskID)
	require.Equal(t, 1, event.Claims)
	require.Equal(t, 500, event.TotalTokens)
}
