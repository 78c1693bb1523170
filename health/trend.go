package health

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Trend is the linear-regression fit over a metric's recent window.
type Trend struct {
	Metric     string
	Slope      float64 // value units per sample
	Confidence float64 // R² of the fit, in [0,1]
	Declining  bool    // slope moves in the worse direction with confidence
}

// minTrendSamples is the window size below which no fit is attempted.
const minTrendSamples = 5

// trendConfidence is the R² above which a slope is considered real.
const trendConfidence = 0.5

// analyzeTrend fits a least-squares line through the window. It is pure:
// same window, same trend.
func analyzeTrend(metric string, window []Sample, dir Direction) Trend {
	t := Trend{Metric: metric}
	if len(window) < minTrendSamples {
		return t
	}

	xs := make([]float64, len(window))
	ys := make([]float64, len(window))
	for i, s := range window {
		xs[i] = float64(i)
		ys[i] = s.Value
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) {
		// Perfectly flat series: zero variance, nothing declining.
		return t
	}

	t.Slope = beta
	t.Confidence = r2
	if dir == LowerIsWorse {
		t.Declining = beta < 0 && r2 > trendConfidence
	} else {
		t.Declining = beta > 0 && r2 > trendConfidence
	}
	return t
}

// RiskFactor is one independently-detected contribution to the failure
// estimate.
type RiskFactor struct {
	Metric      string
	Description string
	Weight      float64
}

// Assessment combines the risk factors into a bounded failure estimate.
type Assessment struct {
	FailureProbability float64 // capped at 0.95
	TimeToFailure      time.Duration
	Recommendation     string
	Risks              []RiskFactor
}

// maxFailureProbability caps the combined estimate; telemetry alone never
// proves a failure.
const maxFailureProbability = 0.95

// assess combines statuses, trends and the engine error counter into an
// Assessment. sampleInterval converts per-sample slopes into wall time.
func assess(statuses map[string]Status, trends map[string]Trend, values map[string]float64,
	thresholds map[string]Thresholds, consecErrors int, sampleInterval time.Duration) Assessment {

	var a Assessment

	for metric, status := range statuses {
		switch status {
		case StatusCritical:
			a.Risks = append(a.Risks, RiskFactor{
				Metric:      metric,
				Description: fmt.Sprintf("%s critical", metric),
				Weight:      0.3,
			})
		case StatusWarning:
			a.Risks = append(a.Risks, RiskFactor{
				Metric:      metric,
				Description: fmt.Sprintf("%s degraded", metric),
				Weight:      0.15,
			})
		}
	}

	for metric, trend := range trends {
		if trend.Declining {
			a.Risks = append(a.Risks, RiskFactor{
				Metric:      metric,
				Description: fmt.Sprintf("declining %s", metric),
				Weight:      0.2,
			})
		}
	}

	if consecErrors >= 3 {
		a.Risks = append(a.Risks, RiskFactor{
			Metric:      MetricResponseMS,
			Description: fmt.Sprintf("%d consecutive command failures", consecErrors),
			Weight:      0.25,
		})
	}

	for _, r := range a.Risks {
		a.FailureProbability += r.Weight
	}
	if a.FailureProbability > maxFailureProbability {
		a.FailureProbability = maxFailureProbability
	}

	a.TimeToFailure = timeToFailure(trends, values, thresholds, sampleInterval)
	a.Recommendation = recommendation(a.FailureProbability)
	return a
}

// timeToFailure is a coarse extrapolation: for the fastest-declining metric,
// the number of samples until the current value crosses its critical
// threshold, converted to wall time. Zero when nothing is declining.
func timeToFailure(trends map[string]Trend, values map[string]float64,
	thresholds map[string]Thresholds, sampleInterval time.Duration) time.Duration {

	shortest := time.Duration(0)
	for metric, trend := range trends {
		if !trend.Declining || trend.Slope == 0 {
			continue
		}
		th, ok := thresholds[metric]
		if !ok {
			continue
		}
		value, ok := values[metric]
		if !ok {
			continue
		}
		samplesLeft := (th.Critical - value) / trend.Slope
		if samplesLeft <= 0 {
			samplesLeft = 1
		}
		eta := time.Duration(samplesLeft * float64(sampleInterval))
		if shortest == 0 || eta < shortest {
			shortest = eta
		}
	}
	return shortest
}

func recommendation(probability float64) string {
	switch {
	case probability >= 0.7:
		return "service or replace the modem now"
	case probability >= 0.4:
		return "schedule maintenance"
	case probability >= 0.15:
		return "monitor closely"
	default:
		return "healthy"
	}
}
