package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/config"
)

// repeatAfter is the quiet period before an alert type is sent again.
const repeatAfter = time.Hour

// Checker collects a snapshot on an interval and sends new alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	lastSent  map[AlertType]time.Time
	now       func() time.Time
}

// NewChecker creates a Checker. Run drives it.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks every CheckIntervalSecs (default 5m) until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	every := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started", zap.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-t.C:
			c.check(ctx, log)
		}
	}
}

// check sends alerts whose type has been quiet for repeatAfter and
// returns how many were delivered. Undelivered alerts are retried on the
// next tick.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect failed", zap.Error(err))
		return 0
	}

	now := c.now()
	var due []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if last, ok := c.lastSent[a.Type]; !ok || now.Sub(last) >= repeatAfter {
			due = append(due, a)
		}
	}
	if len(due) == 0 {
		log.Debug("monitoring: nothing to alert",
			zap.Int("results", snap.Total),
			zap.Float64("fallback_rate", snap.FallbackRate),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, due)
	for _, a := range sent {
		c.lastSent[a.Type] = now
	}
	log.Info("monitoring: alert check complete", zap.Int("due", len(due)), zap.Int("sent", len(sent)))
	return len(sent)
}
