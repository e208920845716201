// Package intake accepts URL submissions, reuses recent tasks for the same
// normalized URL and starts new tasks at the extraction stage.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/cache"
	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/urlutil"
)

// DefaultWindow is how long a submitted URL maps onto its task.
const DefaultWindow = 24 * time.Hour

// ErrInvalidURL wraps URLs that cannot be submitted.
var ErrInvalidURL = errors.New("invalid url")

// ErrDomainBlocked wraps URLs whose host is refused by the domain filter.
var ErrDomainBlocked = errors.New("domain not accepted")

// DomainFilter refuses submissions by host.
type DomainFilter interface {
	IsBlocked(host string) bool
}

// Store is the task store surface intake needs.
type Store interface {
	Create(ctx context.Context, task pipeline.NewTask) (pipeline.Task, error)
	Get(ctx context.Context, taskID string) (pipeline.Task, error)
	FindRecent(ctx context.Context, url string, since time.Time) (pipeline.Task, bool, error)
}

// Submission is the outcome of Submit.
type Submission struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
	Reused bool   `json:"reused"`
}

// Intake creates tasks and answers duplicate submissions.
type Intake struct {
	store     Store
	announcer pipeline.Announcer
	index     cache.Cache
	clock     pipeline.Clock
	window    time.Duration
	filter    DomainFilter
	logger    *zap.Logger
}

// New builds an Intake. index maps normalized URLs to task ids and may be
// nil, in which case only the store is consulted.
func New(
	store Store,
	announcer pipeline.Announcer,
	index cache.Cache,
	clock pipeline.Clock,
	window time.Duration,
	logger *zap.Logger,
) *Intake {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		store:     store,
		announcer: announcer,
		index:     index,
		clock:     clock,
		window:    window,
		logger:    logger.Named("intake"),
	}
}

// WithDomainFilter installs filter and returns in.
func (in *Intake) WithDomainFilter(filter DomainFilter) *Intake {
	in.filter = filter
	return in
}

// Submit normalizes rawURL and returns the task processing it. A live task
// created within the window is reused unless force is set; failed and
// blocked tasks never are.
func (in *Intake) Submit(ctx context.Context, rawURL, userID string, force bool) (Submission, error) {
	normalized, err := urlutil.Normalize(rawURL)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	logger := in.logger.With(zap.String("url", normalized))
	if in.filter != nil {
		if u, err := urlutil.Parse(normalized); err == nil && in.filter.IsBlocked(u.Hostname()) {
			logger.Info("submission refused by domain filter")
			return Submission{}, fmt.Errorf("%w: %s", ErrDomainBlocked, u.Hostname())
		}
	}

	if !force {
		task, ok, err := in.recent(ctx, normalized)
		if err != nil {
			return Submission{}, err
		}
		if ok {
			metrics.ObserveSubmission(true)
			logger.Info("reusing recent task", zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
			return Submission{TaskID: task.ID, URL: normalized, Reused: true}, nil
		}
	}

	task, err := in.store.Create(ctx, pipeline.NewTask{URL: normalized, UserID: userID})
	if err != nil {
		return Submission{}, fmt.Errorf("create task: %w", err)
	}
	if in.index != nil {
		if err := in.index.Set(ctx, normalized, task.ID); err != nil {
			logger.Warn("dedup index write failed", zap.Error(err))
		}
	}
	if err := in.announcer.Announce(ctx, task.ID, pipeline.StageExtraction); err != nil {
		return Submission{}, fmt.Errorf("announce extraction: %w", err)
	}
	metrics.ObserveSubmission(false)
	logger.Info("task submitted", zap.String("task_id", task.ID), zap.Bool("force", force))
	return Submission{TaskID: task.ID, URL: normalized}, nil
}

// recent finds a reusable task, first through the index and then the store.
func (in *Intake) recent(ctx context.Context, url string) (pipeline.Task, bool, error) {
	if in.index != nil {
		id, ok, err := in.index.Get(ctx, url)
		if err != nil {
			in.logger.Warn("dedup index read failed", zap.Error(err))
		}
		if ok && id != "" {
			task, err := in.store.Get(ctx, id)
			switch {
			case err == nil && in.reusable(task):
				return task, true, nil
			case err != nil && !errors.Is(err, pipeline.ErrTaskNotFound):
				return pipeline.Task{}, false, fmt.Errorf("get indexed task: %w", err)
			}
		}
	}
	task, ok, err := in.store.FindRecent(ctx, url, in.now().Add(-in.window))
	if err != nil {
		return pipeline.Task{}, false, fmt.Errorf("find recent task: %w", err)
	}
	if !ok || !in.reusable(task) {
		return pipeline.Task{}, false, nil
	}
	return task, true, nil
}

func (in *Intake) reusable(task pipeline.Task) bool {
	if task.Status == pipeline.StatusFailed || task.Status == pipeline.StatusBlocked {
		return false
	}
	return !task.CreatedAt.Before(in.now().Add(-in.window))
}

func (in *Intake) now() time.Time {
	if in.clock == nil {
		return time.Now().UTC()
	}
	return in.clock.Now()
}
