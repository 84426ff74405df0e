// Package registry owns experiment records: creation, lookup, and the
// one-directional status transitions. All mutations go through the store;
// the persisted copy is always authoritative.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/report"
	"github.com/modelops/canary/internal/store"
	"github.com/modelops/canary/internal/traffic"
)

// Config holds the registry's explicit dependencies and routing policy.
type Config struct {
	Store   store.Store
	Traffic traffic.Controller
	Reports *report.Generator
	Metrics *metrics.Metrics

	// ServiceHost is the mesh service the weighted route applies to.
	ServiceHost string
	// MatchHeader is the request header carrying the experiment id, so the
	// split only affects tagged traffic.
	MatchHeader string

	// OnMutate is invoked with the experiment id after every successful
	// mutation. The router hooks its read-through cache invalidation here
	// so stops take effect immediately for new routing decisions.
	OnMutate func(id string)
}

// Registry implements experiment CRUD and lifecycle transitions.
//
// Mutations are optimistic read-modify-write: last writer wins, no
// compare-and-swap. This is acceptable because lifecycle calls are rare
// and driven either by an operator or by the single monitor instance;
// racing start/stop calls on the same id is a documented hazard.
type Registry struct {
	store    store.Store
	traffic  traffic.Controller
	reports  *report.Generator
	metrics  *metrics.Metrics
	host     string
	header   string
	onMutate func(id string)
}

const (
	defaultServiceHost = "model-service"
	defaultMatchHeader = "x-ab-test"
)

// New creates a registry.
func New(cfg Config) *Registry {
	host := cfg.ServiceHost
	if host == "" {
		host = defaultServiceHost
	}
	header := cfg.MatchHeader
	if header == "" {
		header = defaultMatchHeader
	}
	return &Registry{
		store:    cfg.Store,
		traffic:  cfg.Traffic,
		reports:  cfg.Reports,
		metrics:  cfg.Metrics,
		host:     host,
		header:   header,
		onMutate: cfg.OnMutate,
	}
}

// Create validates parameters, assigns a fresh id, and persists the
// experiment in status CREATED. Invalid parameters fail with a
// ConfigError and nothing is persisted.
func (r *Registry) Create(ctx context.Context, params api.ExperimentParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	metricsList := params.SuccessMetrics
	if len(metricsList) == 0 {
		metricsList = api.DefaultSuccessMetrics()
	}

	now := time.Now()
	exp := &api.Experiment{
		ID:                fmt.Sprintf("ab_test_%d", now.UnixNano()),
		Name:              params.Name,
		BaselineModel:     params.BaselineModel,
		CandidateModel:    params.CandidateModel,
		TrafficSplit:      params.TrafficSplit,
		SuccessMetrics:    metricsList,
		MinSamples:        params.MinSamples,
		SignificanceLevel: params.SignificanceLevel,
		CreatedAt:         now,
		EndTime:           now.Add(params.Duration),
		Status:            api.StatusCreated,
	}

	if err := r.put(ctx, exp); err != nil {
		return "", err
	}

	r.metrics.ExperimentsCreated.Inc()
	log.Printf("registry: created experiment %s (%s) split=%.2f duration=%v",
		exp.ID, exp.Name, exp.TrafficSplit, params.Duration)
	return exp.ID, nil
}

// Get returns the experiment or a NotFoundError.
func (r *Registry) Get(ctx context.Context, id string) (*api.Experiment, error) {
	key := store.ExperimentKey(id)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, &api.StoreError{Op: "get", Key: key, Err: err}
	}
	if data == nil {
		return nil, &api.NotFoundError{Kind: "experiment", ID: id}
	}

	var exp api.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", id, err)
	}
	return &exp, nil
}

// Start installs the weighted route and transitions CREATED -> RUNNING.
// On controller failure the status stays CREATED and the call fails; the
// caller may retry.
func (r *Registry) Start(ctx context.Context, id string) error {
	exp, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != api.StatusCreated {
		return &api.StateError{ID: id, Status: exp.Status, Action: "start"}
	}

	spec := traffic.RouteSpec{
		ServiceHost: r.host,
		Experiment:  exp.ID,
		Weights:     SplitWeights(exp.TrafficSplit),
		MatchHeader: r.header,
	}
	if err := r.traffic.ApplyWeightedRoute(ctx, spec); err != nil {
		return err
	}

	exp.Status = api.StatusRunning
	exp.StartTime = time.Now()
	if err := r.put(ctx, exp); err != nil {
		return err
	}

	r.metrics.ExperimentsStarted.Inc()
	log.Printf("registry: started experiment %s (weights %d/%d)",
		id, spec.Weights.Baseline, spec.Weights.Candidate)
	return nil
}

// Stop restores 100% baseline traffic and transitions RUNNING -> STOPPED,
// then writes the final report best-effort. Stopping an already stopped
// experiment is an idempotent no-op.
func (r *Registry) Stop(ctx context.Context, id, reason string) error {
	exp, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status == api.StatusStopped {
		return nil // idempotent
	}
	if exp.Status != api.StatusRunning {
		return &api.StateError{ID: id, Status: exp.Status, Action: "stop"}
	}

	if err := r.traffic.RestoreFullBaseline(ctx, r.host); err != nil {
		return err
	}

	exp.Status = api.StatusStopped
	exp.StopTime = time.Now()
	exp.StopReason = reason
	if err := r.put(ctx, exp); err != nil {
		return err
	}

	r.metrics.ExperimentsStopped.Inc()
	log.Printf("registry: stopped experiment %s: %s", id, reason)

	// Best-effort: a failed report write never reverses the stop.
	if err := r.reports.Write(ctx, exp); err != nil {
		log.Printf("registry: report write failed for %s: %v", id, err)
	}

	return nil
}

// MarkError transitions a RUNNING experiment to ERROR. Used when a stop
// could not complete, leaving the mesh state unknown; the experiment is
// terminal and a new id must be created to retry. The final report is
// still written best-effort.
func (r *Registry) MarkError(ctx context.Context, id, reason string) error {
	exp, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status == api.StatusError {
		return nil // idempotent
	}
	if exp.Status != api.StatusRunning {
		return &api.StateError{ID: id, Status: exp.Status, Action: "error"}
	}

	exp.Status = api.StatusError
	exp.StopTime = time.Now()
	exp.StopReason = reason
	if err := r.put(ctx, exp); err != nil {
		return err
	}

	r.metrics.ExperimentsErrored.Inc()
	log.Printf("registry: experiment %s marked ERROR: %s", id, reason)

	if err := r.reports.Write(ctx, exp); err != nil {
		log.Printf("registry: report write failed for %s: %v", id, err)
	}

	return nil
}

// SaveAnalysis persists an analysis result as the experiment's
// last_analysis field.
func (r *Registry) SaveAnalysis(ctx context.Context, id string, res *api.AnalysisResult) error {
	exp, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	exp.LastAnalysis = res
	return r.put(ctx, exp)
}

// ListRunning enumerates all experiments currently in status RUNNING.
func (r *Registry) ListRunning(ctx context.Context) ([]*api.Experiment, error) {
	prefix := store.ExperimentKeyPrefix()
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, &api.StoreError{Op: "keys", Key: prefix, Err: err}
	}

	var running []*api.Experiment
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if err != nil || data == nil {
			continue // expired between scan and read
		}
		var exp api.Experiment
		if err := json.Unmarshal(data, &exp); err != nil {
			log.Printf("registry: skipping unreadable record %s: %v", key, err)
			continue
		}
		if exp.Status == api.StatusRunning {
			running = append(running, &exp)
		}
	}

	return running, nil
}

// put writes the full experiment snapshot with its retention TTL and
// fires the mutation hook.
func (r *Registry) put(ctx context.Context, exp *api.Experiment) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment %s: %w", exp.ID, err)
	}

	ttl := exp.EndTime.Sub(exp.CreatedAt) + api.ExperimentTTLSlack
	key := store.ExperimentKey(exp.ID)
	if err := r.store.Set(ctx, key, data, ttl); err != nil {
		return &api.StoreError{Op: "set", Key: key, Err: err}
	}

	if r.onMutate != nil {
		r.onMutate(exp.ID)
	}
	return nil
}

// SplitWeights converts a traffic split fraction into integer route
// weights. Each side is rounded independently; the pair may not sum to
// exactly 100 under rounding, which is accepted policy rather than
// normalized away.
func SplitWeights(p float64) traffic.Weights {
	return traffic.Weights{
		Baseline:  int(math.Round((1 - p) * 100)),
		Candidate: int(math.Round(p * 100)),
	}
}
