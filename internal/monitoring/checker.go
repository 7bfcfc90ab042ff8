package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/config"
)

// Checker watches call health in the background: every interval it takes a
// metrics snapshot, asks the alerter to judge it, and pushes whatever
// crossed a threshold to the alert webhook.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run blocks until ctx is canceled. The first sweep happens one full
// interval after start, giving the engine time to accumulate calls worth
// judging.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "call_health"))
	log.Info("monitoring: watching call health",
		zap.Duration("interval", interval),
		zap.Int("window_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: call health watch stopped")
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

func (c *Checker) sweep(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: snapshot failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Warn("monitoring: call health degraded",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent),
	)
}
