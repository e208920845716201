// Package dispatcher announces ready stages and fans queue work out to a pool
// of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
)

// Runner consumes deliveries until its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the stage queue and the worker pool reading from it.
type Dispatcher struct {
	queue   pipeline.Queue
	logger  *zap.Logger
	mu      sync.Mutex
	workers []Runner
}

// New creates a Dispatcher over queue.
func New(queue pipeline.Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, logger: logger.Named("dispatcher")}
}

// AddWorkers registers workers for the next Run. Workers usually need the
// dispatcher as their Announcer, so they are attached after construction.
func (d *Dispatcher) AddWorkers(workers ...Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append(d.workers, workers...)
}

// Announce enqueues a message naming the stage to run next.
func (d *Dispatcher) Announce(ctx context.Context, taskID string, stage pipeline.Stage) error {
	msg := pipeline.StageMessage{TaskID: taskID, Stage: stage}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("stage announced", zap.String("task_id", taskID), zap.String("stage", string(stage)))
	return nil
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	workers := append([]Runner(nil), d.workers...)
	d.mu.Unlock()

	d.logger.Info("dispatcher started", zap.Int("workers", len(workers)))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}
