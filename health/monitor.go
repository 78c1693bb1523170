package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/modemctl/at"
	"i4.energy/across/modemctl/modem"
)

// Engine is the slice of the command engine the monitor depends on.
// *modem.Engine satisfies it.
type Engine interface {
	modem.Executor
	Resetter
	ConsecutiveErrors() int
	Uptime() time.Duration
}

// Config holds the monitor settings for one modem.
type Config struct {
	// SampleInterval is the telemetry sampling period.
	SampleInterval time.Duration
	// HistorySize is the per-metric rolling window capacity.
	HistorySize int
	// AlertLimit bounds the retained alert history.
	AlertLimit int
	// RecoveryCooldown is the minimum gap between recovery attempts for
	// one issue class.
	RecoveryCooldown time.Duration
	// MaxRecoveryAttempts caps consecutive attempts per issue class
	// before the modem is flagged for manual intervention.
	MaxRecoveryAttempts int
	// Thresholds overrides the default per-metric thresholds.
	Thresholds map[string]Thresholds
}

func (c *Config) setDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 60
	}
	if c.AlertLimit <= 0 {
		c.AlertLimit = 50
	}
	if c.RecoveryCooldown <= 0 {
		c.RecoveryCooldown = 5 * time.Minute
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	defaults := defaultThresholds()
	if c.Thresholds == nil {
		c.Thresholds = defaults
	} else {
		for metric, th := range defaults {
			if _, ok := c.Thresholds[metric]; !ok {
				c.Thresholds[metric] = th
			}
		}
	}
}

// Diagnostics is the on-demand health summary. It is derived, not stored.
type Diagnostics struct {
	ModemID            string
	Overall            Status
	Values             map[string]float64
	Statuses           map[string]Status
	CallSuccessRate    float64
	SMSSuccessRate     float64
	Uptime             time.Duration
	ErrorCount         int
	Score              int // 0..100
	FailureProbability float64
	TimeToFailure      time.Duration
	Recommendations    []string
	NeedsIntervention  bool
}

// Monitor samples telemetry for one modem, classifies it, predicts failure
// from trends and drives bounded recovery. It owns its metric histories;
// only this modem's loops touch them.
type Monitor struct {
	modemID string
	engine  Engine
	logger  *slog.Logger
	config  Config

	// CallOutcomes and SMSOutcomes are fed by the call and SMS machines.
	CallOutcomes Counter
	SMSOutcomes  Counter

	recovery *recoverer

	mu        sync.Mutex
	histories map[string]*ring
	alerts    []Alert
	listeners []AlertFunc
}

// NewMonitor builds a monitor for one modem.
func NewMonitor(modemID string, engine Engine, logger *slog.Logger, config Config) *Monitor {
	config.setDefaults()
	return &Monitor{
		modemID:   modemID,
		engine:    engine,
		logger:    logger.With("component", "health", "modem", modemID),
		config:    config,
		recovery:  newRecoverer(engine, engine, config.RecoveryCooldown, config.MaxRecoveryAttempts),
		histories: make(map[string]*ring),
	}
}

// AlertFunc receives a copy of every alert the monitor raises.
type AlertFunc func(Alert)

// OnAlert registers an alert listener.
func (m *Monitor) OnAlert(f AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, f)
}

// Run executes the sampling loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Cycle performs one sample-classify-recover pass.
func (m *Monitor) Cycle(ctx context.Context) {
	samples := m.sample(ctx)

	var critical []Sample
	for _, s := range samples {
		m.record(s)
		switch s.Status {
		case StatusCritical:
			critical = append(critical, s)
			m.raise(s)
		case StatusWarning:
			m.raise(s)
		}
	}

	for _, s := range critical {
		kind := issueFor(s.Metric)
		err := m.recovery.attempt(ctx, kind)
		switch {
		case err == nil:
			m.logger.Info("recovery succeeded", "issue", kind.String(), "metric", s.Metric)
		case err == ErrRecoveryCooldown:
			// Within the cooldown window; nothing to do this cycle.
		case err == ErrRecoveryExhausted:
			m.logger.Error("recovery exhausted, manual intervention required",
				"issue", kind.String())
		default:
			m.logger.Warn("recovery failed", "issue", kind.String(), "error", err)
		}
	}
}

// sample runs the telemetry battery. Unsupported queries (battery,
// temperature on some chipsets) are skipped, not failed.
func (m *Monitor) sample(ctx context.Context) []Sample {
	var samples []Sample
	now := time.Now()

	add := func(metric string, value float64, unit string) {
		th := m.config.Thresholds[metric]
		samples = append(samples, Sample{
			Metric:     metric,
			Value:      value,
			Unit:       unit,
			Status:     th.Classify(value),
			Timestamp:  now,
			Thresholds: th,
		})
	}

	// Bare round-trip doubles as the response-time probe.
	start := time.Now()
	if res, err := m.engine.Execute(ctx, at.CmdAt); err == nil && res.OK() {
		add(MetricResponseMS, float64(res.Duration.Milliseconds()), "ms")
	} else {
		add(MetricResponseMS, float64(time.Since(start).Milliseconds()), "ms")
	}

	if res, err := m.engine.Execute(ctx, at.CmdSignalQuality); err == nil {
		if sig, err := at.ParseSignal(firstLine(res.Lines)); err == nil && sig.Known() {
			add(MetricSignal, float64(sig.Dbm()), "dBm")
		}
	}

	if res, err := m.engine.Execute(ctx, at.CmdRegistration); err == nil {
		if reg, err := at.ParseRegistration(firstLine(res.Lines)); err == nil {
			v := 0.0
			if reg.Registered() {
				v = 1.0
			}
			add(MetricRegistration, v, "")
		}
	}

	if res, err := m.engine.Execute(ctx, at.CmdBattery); err == nil {
		if bat, err := at.ParseBattery(firstLine(res.Lines)); err == nil && bat.Millivolts > 0 {
			add(MetricBattery, float64(bat.Millivolts), "mV")
		}
	}

	if res, err := m.engine.Execute(ctx, at.CmdTemperature); err == nil {
		if temp, err := at.ParseTemperature(firstLine(res.Lines)); err == nil {
			add(MetricTemperature, temp, "°C")
		}
	}

	if res, err := m.engine.Execute(ctx, at.CmdStorage); err == nil {
		if st, err := at.ParseStorage(firstLine(res.Lines)); err == nil && st.Total > 0 {
			add(MetricStorage, st.UsedRatio(), "")
		}
	}

	add(MetricCallSuccess, m.CallOutcomes.Rate(), "")
	add(MetricSMSSuccess, m.SMSOutcomes.Rate(), "")

	return samples
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[s.Metric]
	if !ok {
		h = newRing(m.config.HistorySize)
		m.histories[s.Metric] = h
	}
	h.add(s)
}

func (m *Monitor) raise(s Sample) {
	threshold := s.Thresholds.Warning
	if s.Status == StatusCritical {
		threshold = s.Thresholds.Critical
	}
	alert := Alert{
		ModemID:   m.modemID,
		Metric:    s.Metric,
		Severity:  s.Status,
		Message:   fmt.Sprintf("%s is %s: %.2f%s", s.Metric, s.Status, s.Value, s.Unit),
		Value:     s.Value,
		Threshold: threshold,
		Action:    suggestedAction(s.Metric),
		Timestamp: s.Timestamp,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.config.AlertLimit {
		m.alerts = m.alerts[len(m.alerts)-m.config.AlertLimit:]
	}
	listeners := append([]AlertFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("health alert",
		"metric", s.Metric, "severity", s.Status.String(), "value", s.Value)
	for _, l := range listeners {
		l(alert)
	}
}

func suggestedAction(metric string) string {
	switch issueFor(metric) {
	case IssueSignal, IssueRegistration:
		return "force network re-registration"
	case IssueTimeout:
		return "soft reset"
	case IssueStorage:
		return "purge stored messages"
	default:
		return "full reset"
	}
}

// RecentAlerts returns up to n most recent alerts, newest last.
func (m *Monitor) RecentAlerts(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.alerts) {
		n = len(m.alerts)
	}
	return append([]Alert(nil), m.alerts[len(m.alerts)-n:]...)
}

// MetricHistory returns the rolling window for one metric, oldest first.
func (m *Monitor) MetricHistory(metric string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[metric]
	if !ok {
		return nil
	}
	return h.values()
}

// Diagnostics derives the current health summary on demand.
func (m *Monitor) Diagnostics() Diagnostics {
	m.mu.Lock()
	values := make(map[string]float64, len(m.histories))
	statuses := make(map[string]Status, len(m.histories))
	trends := make(map[string]Trend, len(m.histories))
	for metric, h := range m.histories {
		window := h.values()
		if len(window) == 0 {
			continue
		}
		last := window[len(window)-1]
		values[metric] = last.Value
		statuses[metric] = last.Status
		trends[metric] = analyzeTrend(metric, window, m.config.Thresholds[metric].Direction)
	}
	m.mu.Unlock()

	a := assess(statuses, trends, values, m.config.Thresholds,
		m.engine.ConsecutiveErrors(), m.config.SampleInterval)

	d := Diagnostics{
		ModemID:            m.modemID,
		Overall:            overall(statuses),
		Values:             values,
		Statuses:           statuses,
		CallSuccessRate:    m.CallOutcomes.Rate(),
		SMSSuccessRate:     m.SMSOutcomes.Rate(),
		Uptime:             m.engine.Uptime(),
		ErrorCount:         m.engine.ConsecutiveErrors(),
		Score:              score(statuses, a.FailureProbability),
		FailureProbability: a.FailureProbability,
		TimeToFailure:      a.TimeToFailure,
		NeedsIntervention:  m.recovery.exhausted(),
	}
	d.Recommendations = recommendations(a, d.NeedsIntervention)
	return d
}

// overall is the worst current metric status.
func overall(statuses map[string]Status) Status {
	result := StatusUnknown
	for _, s := range statuses {
		if s > result {
			result = s
		}
	}
	return result
}

// score maps statuses and the failure estimate onto 0..100.
func score(statuses map[string]Status, failureProbability float64) int {
	s := 100.0
	for _, st := range statuses {
		switch st {
		case StatusCritical:
			s -= 25
		case StatusWarning:
			s -= 10
		}
	}
	s -= failureProbability * 20
	if s < 0 {
		s = 0
	}
	return int(s)
}

func recommendations(a Assessment, needsIntervention bool) []string {
	var recs []string
	if needsIntervention {
		recs = append(recs, "automated recovery exhausted; service the modem")
	}
	if a.Recommendation != "healthy" {
		recs = append(recs, a.Recommendation)
	}
	for _, r := range a.Risks {
		recs = append(recs, r.Description)
	}
	return recs
}

func firstLine(lines []string) string {
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
