// Package recorder ingests per-request outcome telemetry. Recording sits
// on the serving hot path, so it never returns an error to the caller: a
// failed write is dropped, logged, and counted.
package recorder

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/store"
)

// Outcome is one observed serving result reported by a caller.
type Outcome struct {
	ModelID     string  `json:"model_id"`
	LatencyMs   float64 `json:"latency_ms"`
	Success     bool    `json:"success"`
	RequestHash string  `json:"request_hash,omitempty"`
}

// Recorder persists outcome records keyed by experiment, model, and
// record time.
type Recorder struct {
	store   store.Store
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// New creates a recorder.
func New(st store.Store, m *metrics.Metrics) *Recorder {
	return &Recorder{store: st, metrics: m, nowFn: time.Now}
}

// Record persists one outcome under a time-keyed entry. Nanosecond
// timestamps keep keys distinct for concurrent writers on the same
// experiment and model; two goroutines hitting the same nanosecond
// overwrite each other, which is an accepted loss the analysis tolerates.
func (r *Recorder) Record(ctx context.Context, experimentID string, o Outcome) {
	rec := api.OutcomeRecord{
		ExperimentID: experimentID,
		ModelID:      o.ModelID,
		LatencyMs:    o.LatencyMs,
		Success:      o.Success,
		RequestHash:  o.RequestHash,
		Timestamp:    r.nowFn(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		r.drop(experimentID, err)
		return
	}

	key := store.OutcomeKey(experimentID, o.ModelID, rec.Timestamp)
	if err := r.store.Set(ctx, key, data, api.OutcomeTTL); err != nil {
		r.drop(experimentID, err)
		return
	}

	r.metrics.OutcomesRecorded.WithLabelValues(experimentID, o.ModelID).Inc()
}

func (r *Recorder) drop(experimentID string, err error) {
	log.Printf("recorder: dropping outcome for %s: %v", experimentID, err)
	r.metrics.OutcomesDropped.Inc()
}
