// Package analyzer computes per-arm aggregates and significance tests over
// the outcome records of an experiment. Every call recomputes from the
// persisted records; nothing is cached between analyses.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/store"
)

// Analyzer runs statistical comparisons between the arms of an experiment.
type Analyzer struct {
	store   store.Store
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// New creates an analyzer.
func New(st store.Store, m *metrics.Metrics) *Analyzer {
	return &Analyzer{store: st, metrics: m, nowFn: time.Now}
}

// armSamples holds the raw per-arm observations extracted from the store.
type armSamples struct {
	latencies []float64
	successes int
}

func (s *armSamples) count() int { return len(s.latencies) }

// Analyze loads all outcome records for both arms and compares them. When
// either arm has fewer than the experiment's minimum sample count the
// result reports insufficient data and carries no test fields; partial
// aggregates are still returned so operators can watch accumulation.
func (a *Analyzer) Analyze(ctx context.Context, id string) (*api.AnalysisResult, error) {
	started := a.nowFn()
	defer func() {
		a.metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	}()

	data, err := a.store.Get(ctx, store.ExperimentKey(id))
	if err != nil {
		return nil, &api.StoreError{Op: "get", Key: store.ExperimentKey(id), Err: err}
	}
	if data == nil {
		return nil, &api.NotFoundError{Kind: "experiment", ID: id}
	}
	var exp api.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("decode experiment %s: %w", id, err)
	}

	base, err := a.loadArm(ctx, id, exp.BaselineModel)
	if err != nil {
		return nil, err
	}
	cand, err := a.loadArm(ctx, id, exp.CandidateModel)
	if err != nil {
		return nil, err
	}

	a.metrics.AnalysesTotal.Inc()

	result := &api.AnalysisResult{
		ExperimentID: id,
		Name:         exp.Name,
		AnalyzedAt:   a.nowFn(),
		Baseline:     summarize(base),
		Candidate:    summarize(cand),
	}

	if base.count() < exp.MinSamples || cand.count() < exp.MinSamples {
		a.metrics.AnalysesInsufficient.Inc()
		result.Status = api.AnalysisInsufficientData
		result.Recommendation = fmt.Sprintf(
			"collect more data; need %d samples per model, have baseline=%d candidate=%d",
			exp.MinSamples, base.count(), cand.count())
		return result, nil
	}

	result.Status = api.AnalysisOK
	result.LatencyTest = welchTTest(base.latencies, cand.latencies, exp.SignificanceLevel)
	result.SuccessRateTest = chiSquareTest(base, cand, exp.SignificanceLevel)
	result.Recommendation = recommend(result)
	return result, nil
}

// loadArm reads every outcome record for one model of an experiment.
// Records that vanish between the key scan and the read (TTL expiry) or
// fail to decode are skipped.
func (a *Analyzer) loadArm(ctx context.Context, id, modelID string) (*armSamples, error) {
	prefix := store.OutcomeKeyPrefix(id, modelID)
	keys, err := a.store.Keys(ctx, prefix)
	if err != nil {
		return nil, &api.StoreError{Op: "keys", Key: prefix, Err: err}
	}

	samples := &armSamples{latencies: make([]float64, 0, len(keys))}
	for _, key := range keys {
		data, err := a.store.Get(ctx, key)
		if err != nil {
			return nil, &api.StoreError{Op: "get", Key: key, Err: err}
		}
		if data == nil {
			continue
		}
		var rec api.OutcomeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Printf("analyzer: skipping unreadable record %s: %v", key, err)
			continue
		}
		samples.latencies = append(samples.latencies, rec.LatencyMs)
		if rec.Success {
			samples.successes++
		}
	}
	return samples, nil
}

// summarize computes the per-arm aggregate block. Quantiles use the
// empirical distribution over the sorted sample.
func summarize(s *armSamples) api.ArmStats {
	n := s.count()
	if n == 0 {
		return api.ArmStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, s.latencies)
	sort.Float64s(sorted)

	return api.ArmStats{
		Count:         n,
		SuccessRate:   float64(s.successes) / float64(n),
		ErrorRate:     float64(n-s.successes) / float64(n),
		MeanLatencyMs: stat.Mean(sorted, nil),
		P95LatencyMs:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99LatencyMs:  stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}

// welchTTest compares mean latencies with Welch's unequal-variance t-test,
// two sided. Degenerate inputs (both arms constant) report p=1 rather
// than a spurious significance.
func welchTTest(baseline, candidate []float64, alpha float64) *api.SignificanceTest {
	n1, n2 := float64(len(baseline)), float64(len(candidate))
	m1 := stat.Mean(baseline, nil)
	m2 := stat.Mean(candidate, nil)
	v1 := stat.Variance(baseline, nil)
	v2 := stat.Variance(candidate, nil)

	test := &api.SignificanceTest{
		Test:           "welch_t",
		BaselineValue:  m1,
		CandidateValue: m2,
		PValue:         1,
	}

	se2 := v1/n1 + v2/n2
	if se2 <= 0 {
		return test
	}

	t := (m1 - m2) / math.Sqrt(se2)
	df := se2 * se2 / (v1*v1/(n1*n1*(n1-1)) + v2*v2/(n2*n2*(n2-1)))
	if math.IsNaN(df) || df <= 0 {
		return test
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	test.Statistic = t
	test.PValue = 2 * dist.CDF(-math.Abs(t))
	test.Significant = test.PValue < alpha
	return test
}

// chiSquareTest compares success rates with a 2x2 chi-square independence
// test using the Yates continuity correction, df=1. Arms with no variation
// in either margin report p=1.
func chiSquareTest(base, cand *armSamples, alpha float64) *api.SignificanceTest {
	n1, n2 := base.count(), cand.count()
	obs := [2][2]float64{
		{float64(base.successes), float64(n1 - base.successes)},
		{float64(cand.successes), float64(n2 - cand.successes)},
	}

	test := &api.SignificanceTest{
		Test:           "chi_square",
		BaselineValue:  obs[0][0] / float64(n1),
		CandidateValue: obs[1][0] / float64(n2),
		PValue:         1,
	}

	total := float64(n1 + n2)
	colSuccess := obs[0][0] + obs[1][0]
	colFailure := obs[0][1] + obs[1][1]
	if colSuccess == 0 || colFailure == 0 {
		return test
	}

	rows := [2]float64{float64(n1), float64(n2)}
	cols := [2]float64{colSuccess, colFailure}
	var x2 float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			expected := rows[i] * cols[j] / total
			d := math.Abs(obs[i][j]-expected) - 0.5
			if d < 0 {
				d = 0
			}
			x2 += d * d / expected
		}
	}

	dist := distuv.ChiSquared{K: 1}
	test.Statistic = x2
	test.PValue = dist.Survival(x2)
	test.Significant = test.PValue < alpha
	return test
}

// recommend maps the pair of test outcomes to a categorical action.
// Promotion requires the candidate to win significantly on both axes;
// any split verdict goes to a human.
func recommend(r *api.AnalysisResult) string {
	latSig := r.LatencyTest.Significant
	succSig := r.SuccessRateTest.Significant
	if !latSig && !succSig {
		return api.RecommendContinue
	}

	latBetter := r.Candidate.MeanLatencyMs < r.Baseline.MeanLatencyMs
	succBetter := r.Candidate.SuccessRate > r.Baseline.SuccessRate
	if latSig && succSig && latBetter && succBetter {
		return api.RecommendPromote
	}
	return api.RecommendManualReview
}
