package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically purges expired records from a registry that cannot
// expire them on its own.
type Janitor struct {
	purger   Purger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewJanitor returns a janitor for reg, or nil when reg does not implement
// Purger (its storage expires records natively).
func NewJanitor(reg Registry, interval, timeout time.Duration, logger *zap.Logger) *Janitor {
	p, ok := reg.(Purger)
	if !ok {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Janitor{purger: p, interval: interval, timeout: timeout, logger: logger.Named("janitor")}
}

// Run purges on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	n, err := j.purger.Purge(ctx)
	if err != nil {
		j.logger.Warn("purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("purged expired connections", zap.Int("count", n))
	}
}
