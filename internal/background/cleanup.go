package background

import (
	"context"
	"log/slog"
	"time"
)

// CleanupTarget is one kind of durable debris the manager sweeps: expired
// tokens, dead sessions, stale rate limit windows, old events.
type CleanupTarget struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int64, error)
}

// CleanupManager periodically sweeps every registered target. Authentication
// correctness never depends on these sweeps; expiry is always enforced at
// read time, the sweeps only bound table growth.
type CleanupManager struct {
	targets  []CleanupTarget
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(targets []CleanupTarget, logger *slog.Logger, interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupManager{
		targets:  targets,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	now := time.Now()

	for _, target := range cm.targets {
		cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		deleted, err := target.Run(cleanupCtx, now)
		cancel()

		if err != nil {
			cm.logger.Error("cleanup target failed",
				slog.String("target", target.Name),
				slog.Any("error", err))
			continue
		}
		if deleted > 0 {
			cm.logger.Info("cleanup completed",
				slog.String("target", target.Name),
				slog.Int64("rows_deleted", deleted))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
