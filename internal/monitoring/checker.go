package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/nonce-validator/internal/config"
)

// CheckFunc performs one validation run and returns its exit code.
type CheckFunc func(ctx context.Context) (int, error)

// Checker repeats a validation run on a fixed interval.
type Checker struct {
	check    CheckFunc
	interval time.Duration
}

// NewChecker creates a checker that calls check every cfg.IntervalSecs.
func NewChecker(check CheckFunc, cfg config.WatchConfig) *Checker {
	interval := time.Duration(cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{check: check, interval: interval}
}

// Interval returns the effective check interval.
func (c *Checker) Interval() time.Duration {
	return c.interval
}

// Run checks once immediately and then on every tick. It blocks until ctx
// is cancelled and returns the number of checks performed.
func (c *Checker) Run(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting watch loop", zap.Duration("interval", c.interval))

	if ctx.Err() != nil {
		return 0
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	runs := 0
loop:
	for {
		c.runOnce(ctx, log)
		runs++
		if ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	log.Info("watch loop stopped", zap.Int("runs", runs))
	return runs
}

func (c *Checker) runOnce(ctx context.Context, log *zap.Logger) {
	start := time.Now()
	code, err := c.check(ctx)
	if err != nil {
		log.Error("monitoring: validation run failed", zap.Error(err), zap.Int("exit_code", code))
		return
	}
	log.Info("monitoring: validation run complete",
		zap.Int("exit_code", code),
		zap.Duration("elapsed", time.Since(start)),
	)
}
