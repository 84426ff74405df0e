package analyzer

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/store"
)

func seedExperiment(t *testing.T, st store.Store, exp *api.Experiment) {
	t.Helper()
	data, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := st.Set(context.Background(), store.ExperimentKey(exp.ID), data, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
}

// seedOutcomes writes one record per latency value, with success flags
// cycling so the first `failures` records are errors.
func seedOutcomes(t *testing.T, st store.Store, expID, modelID string, latencies []float64, failures int) {
	t.Helper()
	base := time.Unix(1700000000, 0)
	for i, lat := range latencies {
		rec := api.OutcomeRecord{
			ExperimentID: expID,
			ModelID:      modelID,
			LatencyMs:    lat,
			Success:      i >= failures,
			Timestamp:    base.Add(time.Duration(i) * time.Millisecond),
		}
		data, _ := json.Marshal(rec)
		key := store.OutcomeKey(expID, modelID, rec.Timestamp)
		if err := st.Set(context.Background(), key, data, 0); err != nil {
			t.Fatalf("set outcome: %v", err)
		}
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func testExperiment(minSamples int) *api.Experiment {
	return &api.Experiment{
		ID:                "exp1",
		Name:              "ranker-canary",
		BaselineModel:     "model-a",
		CandidateModel:    "model-b",
		TrafficSplit:      0.2,
		MinSamples:        minSamples,
		SignificanceLevel: 0.05,
		Status:            api.StatusRunning,
	}
}

func newAnalyzer(st store.Store) *Analyzer {
	return New(st, metrics.New(prometheus.NewRegistry()))
}

func TestAnalyzeUnknownExperiment(t *testing.T) {
	an := newAnalyzer(store.NewMemoryStore(""))
	if _, err := an.Analyze(context.Background(), "ghost"); !api.IsNotFound(err) {
		t.Errorf("Analyze returned %v, want NotFoundError", err)
	}
}

func TestAnalyzeInsufficientData(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	seedExperiment(t, st, testExperiment(100))
	seedOutcomes(t, st, "exp1", "model-a", repeat(100, 150), 0)
	seedOutcomes(t, st, "exp1", "model-b", repeat(100, 99), 0) // one short

	res, err := newAnalyzer(st).Analyze(ctx, "exp1")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.Status != api.AnalysisInsufficientData {
		t.Errorf("Status = %q, want %q", res.Status, api.AnalysisInsufficientData)
	}
	if res.LatencyTest != nil || res.SuccessRateTest != nil {
		t.Error("tests computed despite insufficient data")
	}
	if res.Baseline.Count != 150 || res.Candidate.Count != 99 {
		t.Errorf("counts = %d/%d", res.Baseline.Count, res.Candidate.Count)
	}
	if !strings.Contains(res.Recommendation, "99") {
		t.Errorf("recommendation %q does not report the shortfall", res.Recommendation)
	}
}

func TestAnalyzeAggregates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	seedExperiment(t, st, testExperiment(10))

	// 100 latencies 1..100, 10 failures
	latencies := make([]float64, 100)
	for i := range latencies {
		latencies[i] = float64(i + 1)
	}
	seedOutcomes(t, st, "exp1", "model-a", latencies, 10)
	seedOutcomes(t, st, "exp1", "model-b", latencies, 10)

	res, err := newAnalyzer(st).Analyze(ctx, "exp1")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	b := res.Baseline
	if b.Count != 100 {
		t.Errorf("Count = %d", b.Count)
	}
	if math.Abs(b.SuccessRate-0.9) > 1e-9 || math.Abs(b.ErrorRate-0.1) > 1e-9 {
		t.Errorf("rates = %v/%v, want 0.9/0.1", b.SuccessRate, b.ErrorRate)
	}
	if math.Abs(b.MeanLatencyMs-50.5) > 1e-9 {
		t.Errorf("mean = %v, want 50.5", b.MeanLatencyMs)
	}
	if b.P95LatencyMs < 94 || b.P95LatencyMs > 96 {
		t.Errorf("p95 = %v, want near 95", b.P95LatencyMs)
	}
	if b.P99LatencyMs < 98 || b.P99LatencyMs > 100 {
		t.Errorf("p99 = %v, want near 99", b.P99LatencyMs)
	}
}

func TestAnalyzeIdenticalArmsNotSignificant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	seedExperiment(t, st, testExperiment(10))

	latencies := []float64{90, 95, 100, 105, 110, 92, 98, 102, 108, 99, 101, 97}
	seedOutcomes(t, st, "exp1", "model-a", latencies, 1)
	seedOutcomes(t, st, "exp1", "model-b", latencies, 1)

	res, err := newAnalyzer(st).Analyze(ctx, "exp1")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res.Status != api.AnalysisOK {
		t.Fatalf("Status = %q", res.Status)
	}
	if res.LatencyTest.Significant || res.SuccessRateTest.Significant {
		t.Errorf("identical arms flagged significant: %+v %+v", res.LatencyTest, res.SuccessRateTest)
	}
	if res.Recommendation != api.RecommendContinue {
		t.Errorf("Recommendation = %q, want continue", res.Recommendation)
	}
}

func TestWelchTTest(t *testing.T) {
	// Clearly separated samples with spread.
	base := []float64{100, 102, 98, 101, 99, 100, 103, 97, 100, 101, 99, 98, 102, 100, 101, 99, 100, 102, 98, 100}
	cand := []float64{150, 152, 148, 151, 149, 150, 153, 147, 150, 151, 149, 148, 152, 150, 151, 149, 150, 152, 148, 150}

	tt := welchTTest(base, cand, 0.05)
	if !tt.Significant {
		t.Errorf("separated samples not significant: p=%v", tt.PValue)
	}
	if tt.Statistic >= 0 {
		t.Errorf("statistic = %v, want negative for slower candidate", tt.Statistic)
	}
	if tt.BaselineValue >= tt.CandidateValue {
		t.Errorf("means = %v/%v", tt.BaselineValue, tt.CandidateValue)
	}
}

func TestWelchTTestZeroVariance(t *testing.T) {
	base := repeat(100, 20)
	cand := repeat(100, 20)

	tt := welchTTest(base, cand, 0.05)
	if tt.Significant || tt.PValue != 1 {
		t.Errorf("constant arms: significant=%v p=%v, want non-significant p=1", tt.Significant, tt.PValue)
	}
}

func TestChiSquareTest(t *testing.T) {
	// 95% vs 60% success over 200 samples each: decisive.
	base := &armSamples{latencies: repeat(1, 200), successes: 190}
	cand := &armSamples{latencies: repeat(1, 200), successes: 120}

	st := chiSquareTest(base, cand, 0.05)
	if !st.Significant {
		t.Errorf("gross success gap not significant: p=%v", st.PValue)
	}
	if st.BaselineValue != 0.95 || st.CandidateValue != 0.6 {
		t.Errorf("rates = %v/%v", st.BaselineValue, st.CandidateValue)
	}
}

func TestChiSquareTestDegenerateMargins(t *testing.T) {
	// Every sample succeeded in both arms.
	base := &armSamples{latencies: repeat(1, 50), successes: 50}
	cand := &armSamples{latencies: repeat(1, 50), successes: 50}

	st := chiSquareTest(base, cand, 0.05)
	if st.Significant || st.PValue != 1 {
		t.Errorf("degenerate table: significant=%v p=%v", st.Significant, st.PValue)
	}
}

func TestChiSquareYatesCorrectionShrinksStatistic(t *testing.T) {
	base := &armSamples{latencies: repeat(1, 100), successes: 90}
	cand := &armSamples{latencies: repeat(1, 100), successes: 80}

	st := chiSquareTest(base, cand, 0.05)

	// Uncorrected Pearson statistic for this table is ~3.92; Yates must
	// bring it strictly below.
	if st.Statistic >= 3.92 {
		t.Errorf("statistic = %v, correction not applied", st.Statistic)
	}
	if st.Statistic <= 0 {
		t.Errorf("statistic = %v, want positive", st.Statistic)
	}
}

func TestRecommendTable(t *testing.T) {
	mk := func(latSig, succSig bool, baseMean, candMean, baseRate, candRate float64) *api.AnalysisResult {
		return &api.AnalysisResult{
			Baseline:        api.ArmStats{MeanLatencyMs: baseMean, SuccessRate: baseRate},
			Candidate:       api.ArmStats{MeanLatencyMs: candMean, SuccessRate: candRate},
			LatencyTest:     &api.SignificanceTest{Significant: latSig},
			SuccessRateTest: &api.SignificanceTest{Significant: succSig},
		}
	}

	tests := []struct {
		name string
		res  *api.AnalysisResult
		want string
	}{
		{"neither significant", mk(false, false, 100, 100, 0.9, 0.9), api.RecommendContinue},
		{"both significant, candidate wins both", mk(true, true, 100, 80, 0.9, 0.95), api.RecommendPromote},
		{"both significant, candidate slower", mk(true, true, 100, 120, 0.9, 0.95), api.RecommendManualReview},
		{"both significant, candidate less accurate", mk(true, true, 100, 80, 0.9, 0.85), api.RecommendManualReview},
		{"only latency significant", mk(true, false, 100, 80, 0.9, 0.9), api.RecommendManualReview},
		{"only success significant", mk(false, true, 100, 100, 0.9, 0.95), api.RecommendManualReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recommend(tt.res); got != tt.want {
				t.Errorf("recommend = %q, want %q", got, tt.want)
			}
		})
	}
}
