package health

import (
	"math"
	"testing"
	"time"
)

func window(values ...float64) []Sample {
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Value: v}
	}
	return out
}

func TestAnalyzeTrendDeclining(t *testing.T) {
	// Signal dropping 2 dBm per sample with a little jitter.
	tr := analyzeTrend(MetricSignal,
		window(-80, -82.1, -83.9, -86, -88.2, -90, -91.8, -94),
		LowerIsWorse)

	if !tr.Declining {
		t.Fatalf("Expected declining trend, got %+v", tr)
	}
	if tr.Slope >= 0 {
		t.Errorf("Expected negative slope, got %v", tr.Slope)
	}
	if tr.Confidence < 0.9 {
		t.Errorf("Expected high confidence for a near-linear series, got %v", tr.Confidence)
	}
}

func TestAnalyzeTrendImprovingIsNotDeclining(t *testing.T) {
	tr := analyzeTrend(MetricSignal,
		window(-94, -92, -90, -88, -86, -84),
		LowerIsWorse)

	if tr.Declining {
		t.Fatalf("Improving signal must not be declining: %+v", tr)
	}
	if tr.Slope <= 0 {
		t.Errorf("Expected positive slope, got %v", tr.Slope)
	}
}

func TestAnalyzeTrendHigherIsWorse(t *testing.T) {
	// Response time creeping up.
	tr := analyzeTrend(MetricResponseMS,
		window(200, 400, 610, 790, 1010, 1200),
		HigherIsWorse)

	if !tr.Declining {
		t.Fatalf("Expected rising response time to decline, got %+v", tr)
	}
}

func TestAnalyzeTrendTooFewSamples(t *testing.T) {
	tr := analyzeTrend(MetricSignal, window(-80, -90, -100), LowerIsWorse)
	if tr.Declining || tr.Slope != 0 || tr.Confidence != 0 {
		t.Fatalf("Expected zero trend for a short window, got %+v", tr)
	}
}

func TestAnalyzeTrendFlatSeries(t *testing.T) {
	tr := analyzeTrend(MetricSignal, window(-85, -85, -85, -85, -85, -85), LowerIsWorse)
	if tr.Declining {
		t.Fatalf("A flat series must not be declining, got %+v", tr)
	}
}

func TestAssessCombinesRisks(t *testing.T) {
	statuses := map[string]Status{
		MetricSignal:  StatusCritical,
		MetricStorage: StatusWarning,
	}
	trends := map[string]Trend{
		MetricSignal: {Metric: MetricSignal, Slope: -2, Confidence: 0.9, Declining: true},
	}

	a := assess(statuses, trends, map[string]float64{MetricSignal: -107},
		defaultThresholds(), 3, 30*time.Second)

	// critical 0.3 + warning 0.15 + declining 0.2 + consecutive errors 0.25
	if math.Abs(a.FailureProbability-0.9) > 1e-9 {
		t.Errorf("Expected probability 0.9, got %v", a.FailureProbability)
	}
	if len(a.Risks) != 4 {
		t.Errorf("Expected 4 risk factors, got %+v", a.Risks)
	}
	if a.Recommendation != "service or replace the modem now" {
		t.Errorf("Unexpected recommendation: %q", a.Recommendation)
	}
}

func TestAssessCapsProbability(t *testing.T) {
	statuses := map[string]Status{
		MetricSignal:       StatusCritical,
		MetricRegistration: StatusCritical,
		MetricStorage:      StatusCritical,
		MetricResponseMS:   StatusCritical,
	}

	a := assess(statuses, nil, nil, defaultThresholds(), 0, 30*time.Second)
	if a.FailureProbability != maxFailureProbability {
		t.Errorf("Expected capped probability, got %v", a.FailureProbability)
	}
}

func TestAssessHealthy(t *testing.T) {
	statuses := map[string]Status{
		MetricSignal:       StatusGood,
		MetricRegistration: StatusGood,
	}

	a := assess(statuses, nil, nil, defaultThresholds(), 0, 30*time.Second)
	if a.FailureProbability != 0 {
		t.Errorf("Expected zero probability, got %v", a.FailureProbability)
	}
	if a.Recommendation != "healthy" {
		t.Errorf("Unexpected recommendation: %q", a.Recommendation)
	}
	if a.TimeToFailure != 0 {
		t.Errorf("Expected no failure ETA, got %v", a.TimeToFailure)
	}
}

func TestTimeToFailureExtrapolation(t *testing.T) {
	trends := map[string]Trend{
		MetricSignal: {Metric: MetricSignal, Slope: -5, Confidence: 0.95, Declining: true},
	}
	values := map[string]float64{MetricSignal: -85}

	// Critical at -105, 5 dBm lost per 30s sample: 4 samples left.
	eta := timeToFailure(trends, values, defaultThresholds(), 30*time.Second)
	if eta != 2*time.Minute {
		t.Errorf("Expected ETA of 2m, got %v", eta)
	}
}

func TestTimeToFailureAlreadyPastThreshold(t *testing.T) {
	trends := map[string]Trend{
		MetricSignal: {Metric: MetricSignal, Slope: -5, Confidence: 0.95, Declining: true},
	}
	values := map[string]float64{MetricSignal: -110}

	// Already below critical: clamp to one sample, never zero or negative.
	eta := timeToFailure(trends, values, defaultThresholds(), 30*time.Second)
	if eta != 30*time.Second {
		t.Errorf("Expected ETA of one sample, got %v", eta)
	}
}
