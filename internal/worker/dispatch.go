package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/executorrpc"
	"github.com/lzjever/crawlhub/internal/observability"
)

func (w *Worker) dispatch(ctx context.Context, task *core.Task, log *zap.Logger) {
	dep, url, err := w.queue.TaskArchive(ctx, task, w.cfg.ArchiveURLTTL)
	if err != nil {
		w.fail(ctx, task, core.CategorySystem, fmt.Sprintf("resolve deployment archive: %v", err), "no_archive", log)
		return
	}
	if cur, err := w.queue.GetTask(ctx, task.ID); err == nil && cur.Status != core.TaskPending {
		log.Info("task no longer pending, skipping", zap.String("status", string(cur.Status)))
		observability.DispatchTotal.WithLabelValues("skipped").Inc()
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancel()
	res, err := w.executor.ExecuteTask(callCtx, executorrpc.ExecuteRequest{
		TaskID:       task.ID,
		SpiderID:     task.SpiderID,
		DeploymentID: dep.ID,
		ArchiveURL:   url,
		Checksum:     dep.Checksum,
		IsTest:       task.IsTest,
		TriggerType:  string(task.TriggerType),
	})
	if err != nil {
		w.fail(ctx, task, core.CategoryNetwork, fmt.Sprintf("executor call: %v", err), "transport_error", log)
		return
	}
	if !res.Accepted {
		reason := res.Reason
		if reason == "" {
			reason = "no reason given"
		}
		w.fail(ctx, task, core.CategorySystem, "executor rejected task: "+reason, "rejected", log)
		return
	}

	if _, err := w.queue.StartTask(ctx, task.ID); err != nil {
		// Cancelled after the executor accepted. Its first report is
		// rejected and it stops.
		if errors.Is(err, core.ErrInvalidTransition) {
			log.Info("task changed before start", zap.Error(err))
			observability.DispatchTotal.WithLabelValues("superseded").Inc()
			return
		}
		log.Error("mark task running failed", zap.Error(err))
		observability.DispatchTotal.WithLabelValues("start_error").Inc()
		return
	}
	observability.DispatchTotal.WithLabelValues("accepted").Inc()
	log.Info("task dispatched", zap.String("deployment_id", dep.ID), zap.Int("version", dep.Version))
}

func (w *Worker) fail(ctx context.Context, task *core.Task, cat core.ErrorCategory, msg, result string, log *zap.Logger) {
	observability.DispatchTotal.WithLabelValues(result).Inc()
	_, err := w.queue.CompleteTask(ctx, task.ID, core.Outcome{
		Status:        core.TaskFailed,
		ErrorMessage:  msg,
		ErrorCategory: &cat,
	})
	if err != nil {
		log.Warn("could not record dispatch failure", zap.String("reason", msg), zap.Error(err))
		return
	}
	log.Warn("task failed at dispatch", zap.String("reason", msg), zap.String("category", string(cat)))
}
