package api

import (
	"fmt"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
// Transitions are one-directional: CREATED -> RUNNING -> {STOPPED, ERROR}.
// A stopped or errored experiment is never resumed; retrying requires a
// fresh experiment id.
type ExperimentStatus string

const (
	StatusCreated ExperimentStatus = "CREATED"
	StatusRunning ExperimentStatus = "RUNNING"
	StatusStopped ExperimentStatus = "STOPPED"
	StatusError   ExperimentStatus = "ERROR"
)

// Arm identifies one of the two model variants in an experiment.
type Arm string

const (
	ArmBaseline  Arm = "baseline"
	ArmCandidate Arm = "candidate"
)

// Retention policy for persisted records. Experiments are kept somewhat
// longer than their scheduled duration so post-mortem queries remain
// possible; outcome records are bounded independently because their volume
// is orders of magnitude higher; reports are small and kept longest.
const (
	ExperimentTTLSlack = 24 * time.Hour
	OutcomeTTL         = 7 * 24 * time.Hour
	ReportTTL          = 30 * 24 * time.Hour
)

// ExperimentParams are the caller-supplied creation parameters.
type ExperimentParams struct {
	Name              string        `json:"name"`
	BaselineModel     string        `json:"baseline_model"`
	CandidateModel    string        `json:"candidate_model"`
	TrafficSplit      float64       `json:"traffic_split"`
	Duration          time.Duration `json:"duration"`
	SuccessMetrics    []string      `json:"success_metrics,omitempty"`
	MinSamples        int           `json:"min_samples"`
	SignificanceLevel float64       `json:"significance_level"`
}

// DefaultSuccessMetrics are tracked when the caller supplies none.
func DefaultSuccessMetrics() []string {
	return []string{"accuracy", "response_time", "error_rate"}
}

// Validate checks creation parameters. Failures are ConfigErrors and the
// experiment must not be persisted.
func (p *ExperimentParams) Validate() error {
	if p.Name == "" {
		return &ConfigError{Field: "name", Reason: "is required"}
	}
	if p.BaselineModel == "" {
		return &ConfigError{Field: "baseline_model", Reason: "is required"}
	}
	if p.CandidateModel == "" {
		return &ConfigError{Field: "candidate_model", Reason: "is required"}
	}
	if p.TrafficSplit < 0 || p.TrafficSplit > 1 {
		return &ConfigError{Field: "traffic_split", Reason: fmt.Sprintf("must be in [0, 1], got %v", p.TrafficSplit)}
	}
	if p.Duration <= 0 {
		return &ConfigError{Field: "duration", Reason: "must be positive"}
	}
	if p.MinSamples < 1 {
		return &ConfigError{Field: "min_samples", Reason: fmt.Sprintf("must be >= 1, got %d", p.MinSamples)}
	}
	if p.SignificanceLevel <= 0 || p.SignificanceLevel >= 1 {
		return &ConfigError{Field: "significance_level", Reason: fmt.Sprintf("must be in (0, 1), got %v", p.SignificanceLevel)}
	}
	return nil
}

// Experiment is the persisted record of one A/B rollout. Owned exclusively
// by the registry; mutated only through registry operations.
type Experiment struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	BaselineModel     string           `json:"baseline_model"`
	CandidateModel    string           `json:"candidate_model"`
	TrafficSplit      float64          `json:"traffic_split"`
	SuccessMetrics    []string         `json:"success_metrics"`
	MinSamples        int              `json:"min_samples"`
	SignificanceLevel float64          `json:"significance_level"`
	CreatedAt         time.Time        `json:"created_at"`
	StartTime         time.Time        `json:"start_time,omitempty"` // actual start, zero until RUNNING
	EndTime           time.Time        `json:"end_time"`             // scheduled end
	StopTime          time.Time        `json:"stop_time,omitempty"`
	StopReason        string           `json:"stop_reason,omitempty"`
	Status            ExperimentStatus `json:"status"`
	LastAnalysis      *AnalysisResult  `json:"last_analysis,omitempty"`
}

// ModelFor returns the model id serving the given arm.
func (e *Experiment) ModelFor(arm Arm) string {
	if arm == ArmCandidate {
		return e.CandidateModel
	}
	return e.BaselineModel
}

// OutcomeRecord is one per-request telemetry sample. Immutable once written.
type OutcomeRecord struct {
	ExperimentID string    `json:"experiment_id"`
	ModelID      string    `json:"model_id"`
	LatencyMs    float64   `json:"latency_ms"`
	Success      bool      `json:"success"`
	RequestHash  string    `json:"request_hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ArmStats are per-arm aggregates over all outcome records seen at analysis
// time.
type ArmStats struct {
	Count         int     `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	ErrorRate     float64 `json:"error_rate"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
}

// SignificanceTest is the outcome of one hypothesis test between arms.
type SignificanceTest struct {
	Test           string  `json:"test"`
	Statistic      float64 `json:"statistic"`
	PValue         float64 `json:"p_value"`
	Significant    bool    `json:"significant"`
	BaselineValue  float64 `json:"baseline_value"`
	CandidateValue float64 `json:"candidate_value"`
}

// Analysis status values.
const (
	AnalysisOK               = "ok"
	AnalysisInsufficientData = "insufficient-data"
)

// Categorical recommendations. No numeric score combines the two tests;
// latency and correctness regressions have different operational severity.
const (
	RecommendPromote      = "promote candidate to production"
	RecommendContinue     = "no significant difference detected; continue testing or decide on business grounds"
	RecommendManualReview = "mixed results; manual review required before deployment"
)

// AnalysisResult is recomputed on each analysis call and never mutated in
// place. It is persisted only as the experiment's last_analysis field and
// inside the final report.
type AnalysisResult struct {
	ExperimentID    string            `json:"experiment_id"`
	Name            string            `json:"name"`
	AnalyzedAt      time.Time         `json:"analyzed_at"`
	Status          string            `json:"status"`
	Baseline        ArmStats          `json:"baseline_stats"`
	Candidate       ArmStats          `json:"candidate_stats"`
	LatencyTest     *SignificanceTest `json:"latency_test,omitempty"`
	SuccessRateTest *SignificanceTest `json:"success_rate_test,omitempty"`
	Recommendation  string            `json:"recommendation"`
}

// Report is the final snapshot of a finished experiment, written once at
// termination.
type Report struct {
	ExperimentID string           `json:"experiment_id"`
	Name         string           `json:"name"`
	Status       ExperimentStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	StartTime    time.Time        `json:"start_time,omitempty"`
	StopTime     time.Time        `json:"stop_time"`
	StopReason   string           `json:"stop_reason"`
	Analysis     *AnalysisResult  `json:"analysis,omitempty"`
	GeneratedAt  time.Time        `json:"generated_at"`
}
