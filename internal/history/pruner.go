package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPruneInterval is how often the pruner runs by default.
const DefaultPruneInterval = 15 * time.Minute

// Prunable is anything that can drop state older than a cutoff.
type Prunable interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// PruneTarget names a Prunable for logs and metrics.
type PruneTarget struct {
	Name   string
	Target Prunable
}

// PrunerConfig contains configuration for the pruner.
type PrunerConfig struct {
	// Horizon is how long state is kept. Default: 24 hours.
	Horizon time.Duration

	// Interval is how often to prune. Default: 15 minutes.
	Interval time.Duration
}

// Pruner periodically removes path points (and other expiring state) older
// than the horizon. A failed pass is logged and retried on the next tick.
type Pruner struct {
	targets  []PruneTarget
	logger   *slog.Logger
	metrics  *Metrics
	horizon  time.Duration
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewPruner creates a new pruner. metrics may be nil.
func NewPruner(config PrunerConfig, logger *slog.Logger, metrics *Metrics, targets ...PruneTarget) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Horizon <= 0 {
		config.Horizon = DefaultHorizon
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPruneInterval
	}

	return &Pruner{
		targets:  targets,
		logger:   logger,
		metrics:  metrics,
		horizon:  config.Horizon,
		interval: config.Interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins pruning in a background goroutine.
func (p *Pruner) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop stops the pruner and waits for the loop to exit.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	<-p.doneChan
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("pruner started",
		slog.Duration("horizon", p.horizon),
		slog.Duration("interval", p.interval))

	p.PruneOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pruner stopping due to context cancellation")
			return
		case <-p.stopChan:
			p.logger.Info("pruner stopping")
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs one pass over every target and returns the total removed.
// Errors are logged and counted per target; one failing target does not stop the others.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.horizon)

	var total int64
	for _, t := range p.targets {
		removed, err := t.Target.Prune(ctx, cutoff)
		if err != nil {
			p.logger.Error("prune failed",
				slog.String("target", t.Name),
				slog.String("error", err.Error()))
			if p.metrics != nil {
				p.metrics.IncPruneFailures(t.Name)
			}
			continue
		}

		total += removed
		if p.metrics != nil {
			p.metrics.AddPruned(t.Name, removed)
		}
		if removed > 0 {
			p.logger.Info("pruned expired entries",
				slog.String("target", t.Name),
				slog.Int64("removed", removed),
				slog.Time("older_than", cutoff))
		}
	}
	return total
}
