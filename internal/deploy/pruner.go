package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/observability"
)

// Pruner periodically prunes old archived deployments of every spider.
type Pruner struct {
	svc      *Service
	interval time.Duration
	keep     int
	log      *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
}

func NewPruner(svc *Service, interval time.Duration, keep int, log *zap.Logger) *Pruner {
	return &Pruner{svc: svc, interval: interval, keep: keep, log: observability.Component(log, "pruner")}
}

// Enabled reports whether a schedule is configured. A zero interval or keep
// disables pruning.
func (p *Pruner) Enabled() bool { return p.interval > 0 && p.keep > 0 }

// Start schedules the prune job. It is a no-op when disabled or running.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Enabled() || p.scheduler != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	job, err := s.Every(p.interval).WaitForSchedule().Do(func() { p.RunOnce(ctx) })
	if err != nil {
		cancel()
		return err
	}
	s.StartAsync()
	p.scheduler, p.cancel = s, cancel
	p.log.Info("prune scheduler started",
		zap.Duration("interval", p.interval),
		zap.Int("keep", p.keep),
		zap.Time("next_run", job.NextRun()))
	return nil
}

// RunOnce prunes every spider now.
func (p *Pruner) RunOnce(ctx context.Context) int {
	start := time.Now()
	removed, err := p.svc.PruneAll(ctx, p.keep)
	if err != nil {
		p.log.Error("prune run failed", zap.Int("removed", removed), zap.Error(err))
		return removed
	}
	p.log.Debug("prune run finished", zap.Int("removed", removed), zap.Duration("duration", time.Since(start)))
	return removed
}

// Stop cancels a running prune and stops the scheduler.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler == nil {
		return
	}
	p.cancel()
	p.scheduler.Stop()
	p.scheduler, p.cancel = nil, nil
	p.log.Info("prune scheduler stopped")
}
