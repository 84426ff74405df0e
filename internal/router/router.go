// Package router makes the per-request variant decision. It is stateless
// apart from a short-lived read-through cache: every call reads the
// experiment record and performs one local random draw, so arbitrarily
// many request-handling goroutines may call it with no coordination.
package router

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/store"
)

// RequestContext carries the per-request inputs to a routing decision.
type RequestContext struct {
	// RequestID is an opaque request identifier, echoed on the decision.
	RequestID string
	// DefaultModel is the model the caller would use with no experiment in
	// play. It is the fail-open fallback when the experiment record cannot
	// be read at all.
	DefaultModel string
}

// Decision is the routing outcome for one request.
type Decision struct {
	ExperimentID string  `json:"experiment_id"`
	RequestID    string  `json:"request_id,omitempty"`
	ModelID      string  `json:"model_id"`
	Arm          api.Arm `json:"arm"`
	// Fallback is true when the decision degraded to baseline because the
	// experiment was missing, not running, or unreadable.
	Fallback bool `json:"fallback,omitempty"`
}

// Config holds router construction options.
type Config struct {
	Store   store.Store
	Metrics *metrics.Metrics

	// CacheSize and CacheTTL bound the read-through cache of experiment
	// records. The persisted store stays authoritative: entries expire
	// quickly and every registry mutation invalidates its id.
	CacheSize int
	CacheTTL  time.Duration

	// Rand overrides the uniform source, for tests. Defaults to the
	// shared math/rand source, which is safe for concurrent use.
	Rand func() float64
}

// Router decides which model variant serves a request.
type Router struct {
	store   store.Store
	metrics *metrics.Metrics
	cache   *expirable.LRU[string, *api.Experiment]
	randFn  func() float64
}

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 2 * time.Second
)

// New creates a router.
func New(cfg Config) *Router {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	randFn := cfg.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Router{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		cache:   expirable.NewLRU[string, *api.Experiment](size, nil, ttl),
		randFn:  randFn,
	}
}

// Route returns the model variant for one request. If the experiment does
// not exist or is not RUNNING, the decision fails open to the baseline.
// Over many independent calls the realized candidate fraction converges to
// the traffic split by the law of large numbers; this is a statistical
// guarantee, never an exact count.
func (r *Router) Route(ctx context.Context, id string, req RequestContext) Decision {
	exp := r.lookup(ctx, id)
	if exp == nil {
		r.metrics.RouteFallbacks.Inc()
		return Decision{
			ExperimentID: id,
			RequestID:    req.RequestID,
			ModelID:      req.DefaultModel,
			Arm:          api.ArmBaseline,
			Fallback:     true,
		}
	}

	if exp.Status != api.StatusRunning {
		r.metrics.RouteFallbacks.Inc()
		return Decision{
			ExperimentID: id,
			RequestID:    req.RequestID,
			ModelID:      exp.BaselineModel,
			Arm:          api.ArmBaseline,
			Fallback:     true,
		}
	}

	arm := api.ArmBaseline
	if r.randFn() < exp.TrafficSplit {
		arm = api.ArmCandidate
	}

	r.metrics.RoutesTotal.WithLabelValues(id, string(arm)).Inc()
	return Decision{
		ExperimentID: id,
		RequestID:    req.RequestID,
		ModelID:      exp.ModelFor(arm),
		Arm:          arm,
	}
}

// Invalidate drops one experiment from the read-through cache. The
// registry calls this on every mutation so a stop is visible to the very
// next routing decision.
func (r *Router) Invalidate(id string) {
	r.cache.Remove(id)
}

// lookup returns the experiment record, consulting the cache first.
// Any store failure reads as "not available" so routing stays fail-open.
func (r *Router) lookup(ctx context.Context, id string) *api.Experiment {
	if exp, ok := r.cache.Get(id); ok {
		return exp
	}

	key := store.ExperimentKey(id)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		log.Printf("router: store read failed for %s: %v", id, err)
		return nil
	}
	if data == nil {
		return nil
	}

	var exp api.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		log.Printf("router: unreadable experiment record %s: %v", id, err)
		return nil
	}

	r.cache.Add(id, &exp)
	return &exp
}
