// Package health implements the per-modem telemetry monitor: periodic
// sampling, threshold classification, trend-based failure prediction and
// bounded, cooldown-gated recovery.
package health

import (
	"sync"
	"time"
)

// Status classifies one metric sample or the modem overall.
type Status int

const (
	StatusUnknown Status = iota
	StatusExcellent
	StatusGood
	StatusWarning
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusExcellent:
		return "excellent"
	case StatusGood:
		return "good"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Direction states which way a metric degrades.
type Direction int

const (
	// LowerIsWorse applies to signal, battery and success rates.
	LowerIsWorse Direction = iota
	// HigherIsWorse applies to response time, temperature and storage use.
	HigherIsWorse
)

// Thresholds classify a metric value. Excellent is optional (zero value
// disables it; such metrics top out at good).
type Thresholds struct {
	Warning   float64
	Critical  float64
	Excellent float64
	Direction Direction
}

// Classify is a pure function of (value, thresholds, direction).
func (t Thresholds) Classify(value float64) Status {
	worse := func(v, limit float64) bool {
		if t.Direction == LowerIsWorse {
			return v <= limit
		}
		return v >= limit
	}
	better := func(v, limit float64) bool {
		if t.Direction == LowerIsWorse {
			return v >= limit
		}
		return v <= limit
	}

	switch {
	case worse(value, t.Critical):
		return StatusCritical
	case worse(value, t.Warning):
		return StatusWarning
	case t.Excellent != 0 && better(value, t.Excellent):
		return StatusExcellent
	default:
		return StatusGood
	}
}

// Metric names sampled by the monitor.
const (
	MetricSignal       = "signal_dbm"
	MetricRegistration = "network_registration"
	MetricBattery      = "battery_millivolts"
	MetricTemperature  = "temperature_celsius"
	MetricStorage      = "storage_used_ratio"
	MetricResponseMS   = "response_time_ms"
	MetricCallSuccess  = "call_success_rate"
	MetricSMSSuccess   = "sms_success_rate"
)

// defaultThresholds covers every sampled metric. Values are deliberately
// conservative; deployments tune them through Config.Thresholds.
func defaultThresholds() map[string]Thresholds {
	return map[string]Thresholds{
		MetricSignal:       {Warning: -95, Critical: -105, Excellent: -75, Direction: LowerIsWorse},
		MetricRegistration: {Warning: 0.9, Critical: 0.4, Direction: LowerIsWorse},
		MetricBattery:      {Warning: 3500, Critical: 3300, Excellent: 3900, Direction: LowerIsWorse},
		MetricTemperature:  {Warning: 55, Critical: 70, Direction: HigherIsWorse},
		MetricStorage:      {Warning: 0.8, Critical: 0.95, Direction: HigherIsWorse},
		MetricResponseMS:   {Warning: 1000, Critical: 3000, Excellent: 200, Direction: HigherIsWorse},
		MetricCallSuccess:  {Warning: 0.8, Critical: 0.5, Direction: LowerIsWorse},
		MetricSMSSuccess:   {Warning: 0.8, Critical: 0.5, Direction: LowerIsWorse},
	}
}

// Sample is one telemetry observation.
type Sample struct {
	Metric     string
	Value      float64
	Unit       string
	Status     Status
	Timestamp  time.Time
	Thresholds Thresholds
}

// ring is a fixed-capacity rolling window of samples, oldest evicted.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) add(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns the window contents, oldest first.
func (r *ring) values() []Sample {
	if !r.full {
		return append([]Sample(nil), r.buf[:r.next]...)
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Counter tracks a success rate fed by the call and SMS machines.
type Counter struct {
	mu      sync.Mutex
	success int
	failure int
}

// Record adds one outcome.
func (c *Counter) Record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.success++
	} else {
		c.failure++
	}
}

// Rate returns the success ratio, 1.0 when nothing was recorded yet.
func (c *Counter) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.success + c.failure
	if total == 0 {
		return 1.0
	}
	return float64(c.success) / float64(total)
}

// Total returns the number of recorded outcomes.
func (c *Counter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success + c.failure
}

// Alert is raised on a threshold breach.
type Alert struct {
	ModemID   string
	Metric    string
	Severity  Status
	Message   string
	Value     float64
	Threshold float64
	Action    string
	Timestamp time.Time
}
