// Package tasks tracks spider runs from submission to a terminal state.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/observability"
	"github.com/lzjever/crawlhub/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	// MaxLogChunk bounds a single AppendLog call.
	MaxLogChunk = 1 << 20
)

const noActiveDeployment = "no active deployment: deploy the spider before running it"

// errNoop signals that a mutation found nothing to change.
var errNoop = errors.New("noop")

type Tracker struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func New(st store.Store, log *zap.Logger) *Tracker {
	return &Tracker{
		store: st,
		log:   observability.Component(log, "tasks"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a new run bound to the spider's active deployment. Without
// one the task is recorded as already failed with category system.
func (t *Tracker) Submit(ctx context.Context, spiderID string, trigger core.TriggerType, isTest bool) (*core.Task, error) {
	if spiderID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "spider_id is required")
	}
	if trigger == "" {
		trigger = core.TriggerManual
	}
	task := &core.Task{
		ID:          core.NewID(),
		SpiderID:    spiderID,
		Status:      core.TaskPending,
		TriggerType: trigger,
		IsTest:      isTest,
		CreatedAt:   t.now(),
	}

	dep, err := t.store.ActiveDeployment(ctx, spiderID)
	switch {
	case err == nil:
		id := dep.ID
		task.DeploymentID = &id
	case errors.Is(err, store.ErrNotFound):
		cat := core.CategorySystem
		task.Status = core.TaskFailed
		task.ErrorMessage = noActiveDeployment
		task.ErrorCategory = &cat
		task.FinishedAt = &task.CreatedAt
	default:
		return nil, core.WrapAppError(core.ErrInternal, "load active deployment", err)
	}

	if err := t.store.InsertTask(ctx, task); err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "create task", err)
	}
	log := observability.TaskLogger(t.log, task.ID, spiderID)
	if task.Status == core.TaskFailed {
		recordTerminal(task)
		log.Warn("task failed at submission", zap.String("reason", task.ErrorMessage))
	} else {
		log.Info("task submitted", zap.String("deployment_id", *task.DeploymentID),
			zap.String("trigger", string(trigger)), zap.Bool("is_test", isTest))
	}
	return task, nil
}

// Start marks a pending task as running once the executor has accepted it.
// Starting a task that is already running is a no-op.
func (t *Tracker) Start(ctx context.Context, taskID string) (*core.Task, error) {
	return t.update(ctx, taskID, func(task *core.Task) error {
		switch task.Status {
		case core.TaskRunning:
			return errNoop
		case core.TaskPending:
		default:
			return invalid("start", task.Status)
		}
		now := t.now()
		task.Status = core.TaskRunning
		task.StartedAt = &now
		return nil
	})
}

// ReportProgress records executor progress for a running task. The result
// reports whether cancellation has been requested.
func (t *Tracker) ReportProgress(ctx context.Context, taskID string, p core.Progress) (bool, error) {
	if err := validateProgress(p); err != nil {
		return false, err
	}
	task, err := t.update(ctx, taskID, func(task *core.Task) error {
		if task.Status != core.TaskRunning {
			return invalid("report progress", task.Status)
		}
		if p.Progress < task.Progress {
			return core.NewAppError(core.ErrInvalidTransition,
				fmt.Sprintf("progress may not decrease (%d < %d)", p.Progress, task.Progress))
		}
		if p.SuccessCount < task.SuccessCount || p.FailedCount < task.FailedCount {
			return core.NewAppError(core.ErrInvalidTransition, "item counts may not decrease")
		}
		if p == (core.Progress{Progress: task.Progress, SuccessCount: task.SuccessCount,
			FailedCount: task.FailedCount, TotalCount: task.TotalCount}) {
			return errNoop
		}
		task.Progress = p.Progress
		task.SuccessCount, task.FailedCount, task.TotalCount = p.SuccessCount, p.FailedCount, p.TotalCount
		return nil
	})
	if err != nil {
		return false, err
	}
	return task.CancelRequested, nil
}

func validateProgress(p core.Progress) error {
	switch {
	case p.Progress < 0 || p.Progress > 100:
		return core.NewAppError(core.ErrBadRequest, "progress must be between 0 and 100")
	case p.SuccessCount < 0 || p.FailedCount < 0 || p.TotalCount < 0:
		return core.NewAppError(core.ErrBadRequest, "counts must be non-negative")
	case p.TotalCount > 0 && p.SuccessCount+p.FailedCount > p.TotalCount:
		return core.NewAppError(core.ErrBadRequest, "success_count + failed_count exceeds total_count")
	}
	return nil
}

// Complete records the terminal outcome reported by the executor. Repeating
// the same terminal status is a no-op.
func (t *Tracker) Complete(ctx context.Context, taskID string, o core.Outcome) (*core.Task, error) {
	if !o.Status.IsTerminal() {
		return nil, core.NewAppError(core.ErrBadRequest, fmt.Sprintf("%q is not a terminal status", o.Status))
	}
	return t.update(ctx, taskID, func(task *core.Task) error {
		if task.Status.IsTerminal() {
			if task.Status == o.Status {
				return errNoop
			}
			return core.NewAppError(core.ErrInvalidTransition,
				fmt.Sprintf("task already %s, cannot become %s", task.Status, o.Status))
		}
		if o.SuccessCount != nil {
			task.SuccessCount = *o.SuccessCount
		}
		if o.FailedCount != nil {
			task.FailedCount = *o.FailedCount
		}
		if o.TotalCount != nil {
			task.TotalCount = *o.TotalCount
		}
		if err := validateProgress(core.Progress{SuccessCount: task.SuccessCount,
			FailedCount: task.FailedCount, TotalCount: task.TotalCount}); err != nil {
			return err
		}

		now := t.now()
		task.Status = o.Status
		task.FinishedAt = &now
		switch o.Status {
		case core.TaskCompleted:
			task.Progress = 100
		case core.TaskFailed:
			task.ErrorMessage = o.ErrorMessage
			task.ErrorCategory = categorize(o)
		}
		return nil
	})
}

// categorize prefers the executor's category and falls back to keyword
// matching on the message. nil when neither says anything.
func categorize(o core.Outcome) *core.ErrorCategory {
	if o.ErrorCategory != nil {
		if c, ok := core.ParseErrorCategory(string(*o.ErrorCategory)); ok {
			return &c
		}
	}
	if c, ok := core.ClassifyError(o.ErrorMessage); ok {
		return &c
	}
	return nil
}

// Cancel cancels a pending task outright and records the request on a running
// one; the executor then finishes it as cancelled.
func (t *Tracker) Cancel(ctx context.Context, taskID string) (*core.Task, error) {
	return t.update(ctx, taskID, func(task *core.Task) error {
		switch task.Status {
		case core.TaskPending:
			now := t.now()
			task.Status = core.TaskCancelled
			task.CancelRequested = true
			task.FinishedAt = &now
		case core.TaskRunning:
			if task.CancelRequested {
				return errNoop
			}
			task.CancelRequested = true
		default:
			return invalid("cancel", task.Status)
		}
		return nil
	})
}

func (t *Tracker) Get(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, notFound(err, taskID)
	}
	return task, nil
}

func (t *Tracker) List(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	list, err := t.store.ListTasks(ctx, f)
	if err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "list tasks", err)
	}
	return list, nil
}

// AppendLog adds a chunk of executor output. Logs of terminal tasks are
// still accepted so trailing output is not lost.
func (t *Tracker) AppendLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error {
	if _, ok := core.ParseLogStream(string(stream)); !ok {
		return core.NewAppError(core.ErrBadRequest, fmt.Sprintf("unknown log stream %q", stream))
	}
	if len(chunk) > MaxLogChunk {
		return core.NewAppError(core.ErrBadRequest, "log chunk too large")
	}
	if chunk == "" {
		return nil
	}
	if err := t.store.AppendTaskLog(ctx, taskID, stream, chunk); err != nil {
		return notFound(err, taskID)
	}
	return nil
}

func (t *Tracker) Logs(ctx context.Context, taskID string) (core.TaskLogs, error) {
	logs, err := t.store.TaskLogs(ctx, taskID)
	if err != nil {
		return core.TaskLogs{}, notFound(err, taskID)
	}
	return logs, nil
}

// update loads the task, applies fn and writes it back conditional on the
// status it was read with. A lost race is re-evaluated once.
func (t *Tracker) update(ctx context.Context, taskID string, fn func(*core.Task) error) (*core.Task, error) {
	for attempt := 0; ; attempt++ {
		task, err := t.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, notFound(err, taskID)
		}
		from := task.Status
		wasCancelRequested := task.CancelRequested

		if err := fn(task); err != nil {
			if errors.Is(err, errNoop) {
				return task, nil
			}
			return nil, err
		}

		err = t.store.UpdateTask(ctx, task, from)
		if errors.Is(err, store.ErrStale) && attempt == 0 {
			continue
		}
		if errors.Is(err, store.ErrStale) {
			return nil, core.WrapAppError(core.ErrInvalidTransition, "task changed concurrently", err)
		}
		if err != nil {
			return nil, notFound(err, taskID)
		}

		log := observability.TaskLogger(t.log, task.ID, task.SpiderID)
		switch {
		case task.Status != from:
			log.Info("task status changed", zap.String("from", string(from)), zap.String("to", string(task.Status)))
			if task.IsTerminal() {
				recordTerminal(task)
			}
		case task.CancelRequested && !wasCancelRequested:
			log.Info("task cancellation requested")
		}
		return task, nil
	}
}

func recordTerminal(task *core.Task) {
	cat := "none"
	if task.ErrorCategory != nil {
		cat = string(*task.ErrorCategory)
	}
	observability.TaskTotal.WithLabelValues(string(task.Status), cat).Inc()
	if task.StartedAt != nil && task.FinishedAt != nil {
		observability.TaskDuration.Observe(task.FinishedAt.Sub(*task.StartedAt).Seconds())
	}
}

func invalid(op string, status core.TaskStatus) error {
	return core.NewAppError(core.ErrInvalidTransition, fmt.Sprintf("cannot %s a %s task", op, status))
}

func notFound(err error, taskID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return core.NewAppError(core.ErrNotFound, "task not found: "+taskID)
	}
	return core.WrapAppError(core.ErrInternal, "task store", err)
}
