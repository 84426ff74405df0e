// Package report persists the durable summary written when an experiment
// ends. Reports are retained far longer than raw outcome records since
// they are orders of magnitude smaller.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/store"
)

// Generator snapshots finished experiments into reports.
type Generator struct {
	store store.Store
}

// NewGenerator creates a report generator over the given store.
func NewGenerator(st store.Store) *Generator {
	return &Generator{store: st}
}

// Write snapshots the experiment's lifecycle metadata and last analysis
// into a report keyed by experiment id. Callers treat failures as
// best-effort: a failed report write never reverses a stop transition.
func (g *Generator) Write(ctx context.Context, exp *api.Experiment) error {
	rep := &api.Report{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		Status:       exp.Status,
		CreatedAt:    exp.CreatedAt,
		StartTime:    exp.StartTime,
		StopTime:     exp.StopTime,
		StopReason:   exp.StopReason,
		Analysis:     exp.LastAnalysis,
		GeneratedAt:  time.Now(),
	}

	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := store.ReportKey(exp.ID)
	if err := g.store.Set(ctx, key, data, api.ReportTTL); err != nil {
		return &api.StoreError{Op: "set", Key: key, Err: err}
	}

	return nil
}

// Get returns the final report for an experiment, or a NotFoundError if
// none was written (or it has expired).
func (g *Generator) Get(ctx context.Context, id string) (*api.Report, error) {
	key := store.ReportKey(id)
	data, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, &api.StoreError{Op: "get", Key: key, Err: err}
	}
	if data == nil {
		return nil, &api.NotFoundError{Kind: "report", ID: id}
	}

	var rep api.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %s: %w", id, err)
	}

	return &rep, nil
}
