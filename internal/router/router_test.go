package router

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/store"
)

func putExperiment(t *testing.T, st store.Store, exp *api.Experiment) {
	t.Helper()
	data, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := st.Set(context.Background(), store.ExperimentKey(exp.ID), data, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func runningExperiment(id string, split float64) *api.Experiment {
	return &api.Experiment{
		ID:             id,
		Name:           "test",
		BaselineModel:  "model-a",
		CandidateModel: "model-b",
		TrafficSplit:   split,
		Status:         api.StatusRunning,
	}
}

func newTestRouter(st store.Store, randFn func() float64) *Router {
	return New(Config{
		Store:   st,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Rand:    randFn,
	})
}

func TestRouteSplitsByDraw(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	putExperiment(t, st, runningExperiment("exp1", 0.3))

	draw := 0.0
	rt := newTestRouter(st, func() float64 { return draw })

	draw = 0.29
	d := rt.Route(ctx, "exp1", RequestContext{})
	if d.Arm != api.ArmCandidate || d.ModelID != "model-b" {
		t.Errorf("draw below split routed to %s/%s, want candidate/model-b", d.Arm, d.ModelID)
	}

	draw = 0.30 // boundary: draw == split goes to baseline
	d = rt.Route(ctx, "exp1", RequestContext{})
	if d.Arm != api.ArmBaseline || d.ModelID != "model-a" {
		t.Errorf("draw at split routed to %s/%s, want baseline/model-a", d.Arm, d.ModelID)
	}
}

func TestRouteConvergesToSplit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	src := rand.New(rand.NewSource(42))

	for _, split := range []float64{0.0, 0.1, 0.5, 0.9, 1.0} {
		id := "conv"
		putExperiment(t, st, runningExperiment(id, split))
		rt := newTestRouter(st, src.Float64)

		const n = 10000
		candidates := 0
		for i := 0; i < n; i++ {
			if rt.Route(ctx, id, RequestContext{}).Arm == api.ArmCandidate {
				candidates++
			}
		}

		got := float64(candidates) / n
		// three standard errors of the binomial proportion
		tol := 3 * math.Sqrt(split*(1-split)/n)
		if math.Abs(got-split) > tol {
			t.Errorf("split %v: observed fraction %v outside tolerance %v", split, got, tol)
		}
	}
}

func TestRouteFallsOpenOnUnknownExperiment(t *testing.T) {
	st := store.NewMemoryStore("")
	rt := newTestRouter(st, nil)

	d := rt.Route(context.Background(), "ghost", RequestContext{DefaultModel: "prod-model"})
	if !d.Fallback || d.Arm != api.ArmBaseline || d.ModelID != "prod-model" {
		t.Errorf("Route = %+v, want baseline fallback to prod-model", d)
	}
}

func TestRouteFallsOpenOnStoppedExperiment(t *testing.T) {
	st := store.NewMemoryStore("")
	exp := runningExperiment("done", 0.5)
	exp.Status = api.StatusStopped
	putExperiment(t, st, exp)

	rt := newTestRouter(st, func() float64 { return 0 })
	d := rt.Route(context.Background(), "done", RequestContext{DefaultModel: "unused"})
	if !d.Fallback || d.ModelID != "model-a" {
		t.Errorf("Route = %+v, want fallback to the experiment's baseline", d)
	}
}

type failingStore struct {
	store.Store
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func TestRouteFallsOpenOnStoreFailure(t *testing.T) {
	rt := newTestRouter(&failingStore{}, nil)
	d := rt.Route(context.Background(), "exp", RequestContext{DefaultModel: "prod-model"})
	if !d.Fallback || d.ModelID != "prod-model" {
		t.Errorf("Route = %+v, want fallback on store failure", d)
	}
}

func TestInvalidateMakesStopVisible(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore("")
	exp := runningExperiment("live", 1.0)
	putExperiment(t, st, exp)

	rt := New(Config{
		Store:    st,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Rand:     func() float64 { return 0 },
		CacheTTL: time.Hour, // cache would mask the stop without invalidation
	})

	if d := rt.Route(ctx, "live", RequestContext{}); d.Arm != api.ArmCandidate {
		t.Fatalf("warmup route = %+v, want candidate", d)
	}

	exp.Status = api.StatusStopped
	putExperiment(t, st, exp)

	// Still cached: the stale record keeps routing to the candidate.
	if d := rt.Route(ctx, "live", RequestContext{}); d.Arm != api.ArmCandidate {
		t.Fatalf("cached route = %+v, want candidate before invalidation", d)
	}

	rt.Invalidate("live")
	d := rt.Route(ctx, "live", RequestContext{})
	if !d.Fallback || d.ModelID != "model-a" {
		t.Errorf("route after invalidation = %+v, want baseline fallback", d)
	}
}
