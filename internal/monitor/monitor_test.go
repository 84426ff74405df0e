package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/modelops/canary/internal/analyzer"
	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/registry"
	"github.com/modelops/canary/internal/report"
	"github.com/modelops/canary/internal/store"
	"github.com/modelops/canary/internal/traffic"
)

type fakeController struct {
	restored   int
	restoreErr error
}

func (f *fakeController) ApplyWeightedRoute(ctx context.Context, spec traffic.RouteSpec) error {
	return nil
}

func (f *fakeController) RestoreFullBaseline(ctx context.Context, serviceHost string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored++
	return nil
}

type fixture struct {
	store    *store.MemoryStore
	registry *registry.Registry
	metrics  *metrics.Metrics
	ctl      *fakeController
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore("")
	m := metrics.New(prometheus.NewRegistry())
	ctl := &fakeController{}
	reg := registry.New(registry.Config{
		Store:   st,
		Traffic: ctl,
		Reports: report.NewGenerator(st),
		Metrics: m,
	})
	an := analyzer.New(st, m)
	return &fixture{
		store:    st,
		registry: reg,
		metrics:  m,
		ctl:      ctl,
		monitor:  New(reg, an, m, time.Minute),
	}
}

// startExperiment creates and starts an experiment with the given minimum
// sample gate, returning its id.
func (f *fixture) startExperiment(t *testing.T, minSamples int, duration time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.registry.Create(ctx, api.ExperimentParams{
		Name:              "canary",
		BaselineModel:     "model-a",
		CandidateModel:    "model-b",
		TrafficSplit:      0.2,
		Duration:          duration,
		MinSamples:        minSamples,
		SignificanceLevel: 0.05,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.registry.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return id
}

// seedArm writes count outcome records with the given mean latency and
// number of failures.
func (f *fixture) seedArm(t *testing.T, expID, modelID string, count int, latencyMs float64, failures int) {
	t.Helper()
	base := time.Unix(1700000000, 0)
	for i := 0; i < count; i++ {
		rec := api.OutcomeRecord{
			ExperimentID: expID,
			ModelID:      modelID,
			LatencyMs:    latencyMs,
			Success:      i >= failures,
			Timestamp:    base.Add(time.Duration(i) * time.Millisecond),
		}
		data, _ := json.Marshal(rec)
		key := store.OutcomeKey(expID, modelID, rec.Timestamp)
		if err := f.store.Set(context.Background(), key, data, 0); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func (f *fixture) status(t *testing.T, id string) *api.Experiment {
	t.Helper()
	exp, err := f.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return exp
}

func TestTickStopsElapsedExperiment(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 10, time.Hour)

	f.monitor.nowFn = func() time.Time { return time.Now().Add(2 * time.Hour) }
	summary := f.monitor.Tick(context.Background())

	if len(summary.Errors) != 0 {
		t.Fatalf("tick errors: %v", summary.Errors)
	}
	if len(summary.ActionsTaken) != 1 {
		t.Fatalf("actions = %v, want one stop", summary.ActionsTaken)
	}

	exp := f.status(t, id)
	if exp.Status != api.StatusStopped || exp.StopReason != ReasonDurationElapsed {
		t.Errorf("experiment = %s/%q", exp.Status, exp.StopReason)
	}
	if f.ctl.restored != 1 {
		t.Errorf("baseline restored %d times, want 1", f.ctl.restored)
	}
}

func TestTickLeavesHealthyExperimentRunning(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 10, time.Hour)
	f.seedArm(t, id, "model-a", 50, 100, 1)
	f.seedArm(t, id, "model-b", 50, 100, 1)

	summary := f.monitor.Tick(context.Background())

	if len(summary.Errors) != 0 {
		t.Fatalf("tick errors: %v", summary.Errors)
	}
	if len(summary.Alerts) != 0 || len(summary.ActionsTaken) != 0 {
		t.Errorf("unexpected actions %v alerts %v", summary.ActionsTaken, summary.Alerts)
	}
	if len(summary.Active) != 1 || summary.Active[0].Samples != 100 {
		t.Errorf("active = %+v", summary.Active)
	}

	exp := f.status(t, id)
	if exp.Status != api.StatusRunning {
		t.Errorf("Status = %s, want running", exp.Status)
	}
	if exp.LastAnalysis == nil {
		t.Error("analysis not saved on tick")
	}
}

func TestTickRollsBackOnErrorRateBreach(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 10, time.Hour)
	// Baseline 2% errors; candidate 5% exceeds the 2x threshold.
	f.seedArm(t, id, "model-a", 100, 100, 2)
	f.seedArm(t, id, "model-b", 100, 100, 5)

	summary := f.monitor.Tick(context.Background())

	exp := f.status(t, id)
	if exp.Status != api.StatusStopped || exp.StopReason != ReasonRollback {
		t.Fatalf("experiment = %s/%q, want rollback stop", exp.Status, exp.StopReason)
	}
	if len(summary.Alerts) != 1 || !strings.Contains(summary.Alerts[0], "CRITICAL") {
		t.Errorf("alerts = %v, want one critical alert", summary.Alerts)
	}
	if got := testutil.ToFloat64(f.metrics.RollbacksTotal); got != 1 {
		t.Errorf("RollbacksTotal = %v, want 1", got)
	}
}

func TestTickRollsBackWhenBaselineIsClean(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 10, time.Hour)
	// Zero baseline errors: any candidate error breaches 2x zero.
	f.seedArm(t, id, "model-a", 100, 100, 0)
	f.seedArm(t, id, "model-b", 100, 100, 1)

	f.monitor.Tick(context.Background())

	if exp := f.status(t, id); exp.Status != api.StatusStopped {
		t.Errorf("Status = %s, want stopped", exp.Status)
	}
}

func TestFailedRollbackMarksExperimentError(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 10, time.Hour)
	f.seedArm(t, id, "model-a", 100, 100, 0)
	f.seedArm(t, id, "model-b", 100, 100, 10)

	f.ctl.restoreErr = errors.New("mesh unreachable")
	summary := f.monitor.Tick(context.Background())

	if len(summary.Errors) == 0 {
		t.Fatal("tick reported no errors for failed rollback")
	}
	exp := f.status(t, id)
	if exp.Status != api.StatusError {
		t.Errorf("Status = %s, want ERROR after failed traffic restore", exp.Status)
	}
	if exp.StopReason != ReasonRollbackFailed {
		t.Errorf("StopReason = %q", exp.StopReason)
	}
}

func TestTickLatencyThreshold(t *testing.T) {
	tests := []struct {
		name        string
		candLatency float64
		wantStopped bool
	}{
		{"under threshold", 149, false},
		{"over threshold", 151, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.startExperiment(t, 10, time.Hour)
			f.seedArm(t, id, "model-a", 50, 100, 0)
			f.seedArm(t, id, "model-b", 50, tt.candLatency, 0)

			f.monitor.Tick(context.Background())

			exp := f.status(t, id)
			stopped := exp.Status == api.StatusStopped
			if stopped != tt.wantStopped {
				t.Errorf("candidate at %vms: stopped=%v, want %v", tt.candLatency, stopped, tt.wantStopped)
			}
		})
	}
}

func TestTickSkipsRollbackBelowMinSamples(t *testing.T) {
	f := newFixture(t)
	id := f.startExperiment(t, 100, time.Hour)
	// Gross regression, but not enough samples to act on.
	f.seedArm(t, id, "model-a", 20, 100, 0)
	f.seedArm(t, id, "model-b", 20, 500, 10)

	f.monitor.Tick(context.Background())

	if exp := f.status(t, id); exp.Status != api.StatusRunning {
		t.Errorf("Status = %s, want running below the sample gate", exp.Status)
	}
}

// brokenScanStore fails key scans under one prefix, leaving everything
// else intact.
type brokenScanStore struct {
	store.Store
	failPrefix string
}

func (b *brokenScanStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if strings.HasPrefix(prefix, b.failPrefix) {
		return nil, errors.New("scan failed")
	}
	return b.Store.Keys(ctx, prefix)
}

func TestTickIsolatesPerExperimentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	healthy := f.startExperiment(t, 10, time.Hour)
	f.seedArm(t, healthy, "model-a", 50, 100, 1)
	f.seedArm(t, healthy, "model-b", 50, 100, 1)

	broken := f.startExperiment(t, 10, time.Hour)

	// Analyzing the broken experiment fails at the outcome scan; the
	// healthy one must still be evaluated.
	wrapped := &brokenScanStore{Store: f.store, failPrefix: store.OutcomeKeyPrefix(broken, "model-a")}
	mon := New(f.registry, analyzer.New(wrapped, f.metrics), f.metrics, time.Minute)

	summary := mon.Tick(ctx)

	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0], broken) {
		t.Errorf("errors = %v, want one naming %s", summary.Errors, broken)
	}

	found := false
	for _, a := range summary.Active {
		if a.ID == healthy {
			found = true
		}
	}
	if !found {
		t.Errorf("healthy experiment missing from tick: %+v", summary.Active)
	}
	if exp := f.status(t, healthy); exp.Status != api.StatusRunning {
		t.Errorf("healthy Status = %s, want running", exp.Status)
	}
	if exp := f.status(t, broken); exp.Status != api.StatusRunning {
		t.Errorf("broken Status = %s, failure must not stop it", exp.Status)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	mon := New(f.registry, analyzer.New(f.store, f.metrics), f.metrics, 10*time.Millisecond)

	mon.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	mon.Stop()

	if got := testutil.ToFloat64(f.metrics.MonitorTicks); got < 1 {
		t.Errorf("MonitorTicks = %v, want at least 1", got)
	}
}
