package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/config"
	"github.com/sells-group/advisor/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFallbackRate AlertType = "fallback_rate"
	AlertAnomalyRate  AlertType = "anomaly_rate"
	AlertCostOverrun  AlertType = "cost_overrun"
)

const defaultMinSamples = 5

// Alert is the webhook body.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule is one threshold check. Rate rules are skipped until the window
// holds enough results to be meaningful.
type rule struct {
	kind     AlertType
	severity string
	rate     bool
	limit    func(config.MonitoringConfig) float64
	value    func(*MetricsSnapshot) float64
	message  func(s *MetricsSnapshot, limit float64) string
	details  func(s *MetricsSnapshot) map[string]any
}

var rules = []rule{
	{
		kind:     AlertFallbackRate,
		severity: "high",
		rate:     true,
		limit:    func(c config.MonitoringConfig) float64 { return c.FallbackRateThreshold },
		value:    func(s *MetricsSnapshot) float64 { return s.FallbackRate },
		message: func(s *MetricsSnapshot, limit float64) string {
			return fmt.Sprintf("Fallback rate %.1f%% exceeds threshold %.1f%% (%d of %d results in last %dh)",
				s.FallbackRate*100, limit*100, s.Fallback, s.Total, s.LookbackHours)
		},
		details: func(s *MetricsSnapshot) map[string]any {
			return map[string]any{"fallback": s.Fallback, "total": s.Total, "by_provider": s.ByProvider}
		},
	},
	{
		kind:     AlertAnomalyRate,
		severity: "medium",
		rate:     true,
		limit:    func(c config.MonitoringConfig) float64 { return c.AnomalyRateThreshold },
		value:    func(s *MetricsSnapshot) float64 { return s.AnomalyRate },
		message: func(s *MetricsSnapshot, limit float64) string {
			return fmt.Sprintf("Anomaly rate %.1f%% exceeds threshold %.1f%% (%d of %d results in last %dh)",
				s.AnomalyRate*100, limit*100, s.Anomalies, s.Total, s.LookbackHours)
		},
		details: func(s *MetricsSnapshot) map[string]any {
			return map[string]any{"anomalies": s.Anomalies, "total": s.Total, "by_subject_type": s.BySubjectType}
		},
	},
	{
		kind:     AlertCostOverrun,
		severity: "high",
		limit:    func(c config.MonitoringConfig) float64 { return c.CostThresholdUSD },
		value:    func(s *MetricsSnapshot) float64 { return s.CostUSD },
		message: func(s *MetricsSnapshot, limit float64) string {
			return fmt.Sprintf("Provider cost $%.2f exceeds threshold $%.2f", s.CostUSD, limit)
		},
		details: func(s *MetricsSnapshot) map[string]any {
			return map[string]any{"by_provider": s.ByProvider}
		},
	},
}

// Alerter checks snapshots against thresholds and posts breaches to a
// webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewAlerter creates an Alerter. A zero MinSamples uses 5.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second},
		now:    time.Now,
	}
}

// Evaluate returns one alert per breached threshold. A zero threshold
// disables its rule.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	for _, r := range rules {
		limit := r.limit(a.cfg)
		if limit <= 0 || (r.rate && snap.Total < a.cfg.MinSamples) {
			continue
		}
		v := r.value(snap)
		if v <= limit {
			continue
		}
		details := r.details(snap)
		details["value"] = v
		details["threshold"] = limit
		alerts = append(alerts, Alert{
			Type:      r.kind,
			Severity:  r.severity,
			Message:   r.message(snap, limit),
			Details:   details,
			Timestamp: a.now().UTC(),
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns those delivered.
// Failures are logged and skipped.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) []Alert {
	if a.cfg.WebhookURL == "" {
		return nil
	}
	var sent []Alert
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: alert delivery failed",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent = append(sent, alert)
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		err := eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
