// Package worker hands pending tasks to the executor.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/executorrpc"
	"github.com/lzjever/crawlhub/internal/observability"
)

// Queue is the slice of the orchestrator the worker drives.
type Queue interface {
	ClaimTask(ctx context.Context) (*core.Task, bool, error)
	PendingTaskCount(ctx context.Context) (int, error)
	GetTask(ctx context.Context, taskID string) (*core.Task, error)
	TaskArchive(ctx context.Context, t *core.Task, ttl time.Duration) (*core.Deployment, string, error)
	StartTask(ctx context.Context, taskID string) (*core.Task, error)
	CompleteTask(ctx context.Context, taskID string, out core.Outcome) (*core.Task, error)
}

type Executor interface {
	ExecuteTask(ctx context.Context, req executorrpc.ExecuteRequest) (executorrpc.ExecuteResult, error)
}

type Worker struct {
	queue    Queue
	executor Executor
	cfg      Config
	log      *zap.Logger
}

func New(queue Queue, executor Executor, cfg Config, log *zap.Logger) *Worker {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 2 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.ArchiveURLTTL <= 0 {
		cfg.ArchiveURLTTL = time.Hour
	}
	return &Worker{
		queue:    queue,
		executor: executor,
		cfg:      cfg,
		log:      observability.Component(log, "worker"),
	}
}

// Run claims and dispatches tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return
		default:
		}

		if w.Poll(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return
		case <-time.After(w.cfg.IdleBackoff):
		}
	}
}

// Poll claims at most one task and dispatches it. It reports whether a task
// was handled so the caller can skip the idle backoff.
func (w *Worker) Poll(ctx context.Context) bool {
	task, ok, err := w.queue.ClaimTask(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("claim failed", zap.Error(err))
		}
		return false
	}
	if !ok {
		observability.DequeueEmptyTotal.Inc()
		return false
	}

	log := observability.TaskLogger(w.log, task.ID, task.SpiderID)
	log.Info("task claimed", zap.String("trigger", string(task.TriggerType)), zap.Bool("is_test", task.IsTest))
	w.dispatch(ctx, task, log)

	if depth, err := w.queue.PendingTaskCount(ctx); err == nil {
		observability.TaskQueueDepth.Set(float64(depth))
	}
	return true
}
