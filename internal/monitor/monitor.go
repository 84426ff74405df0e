// Package monitor runs the autonomous control loop: on a fixed interval it
// walks every running experiment, retires the ones past their scheduled
// end, refreshes their analysis, and rolls back candidates that breach the
// safety thresholds.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelops/canary/internal/analyzer"
	"github.com/modelops/canary/internal/api"
	"github.com/modelops/canary/internal/metrics"
	"github.com/modelops/canary/internal/registry"
)

// Rollback thresholds. A single breaching analysis triggers rollback; the
// minimum-sample gate upstream is the only smoothing applied.
const (
	errorRateRollbackFactor = 2.0
	latencyRollbackFactor   = 1.5
)

const (
	ReasonDurationElapsed = "experiment duration elapsed"
	ReasonRollback        = "automatic rollback: performance regression"
	ReasonRollbackFailed  = "rollback failed: traffic restore did not complete"
)

// ActiveExperiment is one running experiment as seen by a tick.
type ActiveExperiment struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	TrafficSplit float64       `json:"traffic_split"`
	Remaining    time.Duration `json:"remaining"`
	Samples      int           `json:"samples"`
}

// TickSummary reports what one pass over the running experiments did.
type TickSummary struct {
	Timestamp    time.Time          `json:"timestamp"`
	Active       []ActiveExperiment `json:"active"`
	ActionsTaken []string           `json:"actions_taken"`
	Alerts       []string           `json:"alerts"`
	Errors       []string           `json:"errors"`
}

// Monitor periodically evaluates running experiments. A deployment runs a
// single monitor; concurrent monitors would race on stop decisions.
type Monitor struct {
	registry *registry.Registry
	analyzer *analyzer.Analyzer
	metrics  *metrics.Metrics
	interval time.Duration
	nowFn    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor with the given evaluation interval.
func New(reg *registry.Registry, an *analyzer.Analyzer, m *metrics.Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		registry: reg,
		analyzer: an,
		metrics:  m,
		interval: interval,
		nowFn:    time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop. The first tick fires after one full
// interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				summary := m.Tick(ctx)
				if len(summary.Errors) > 0 {
					log.Printf("monitor: tick finished with %d errors: %v", len(summary.Errors), summary.Errors)
				}
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Tick performs one evaluation pass. A failure on one experiment is
// recorded and never blocks the others.
func (m *Monitor) Tick(ctx context.Context) TickSummary {
	summary := TickSummary{Timestamp: m.nowFn()}
	m.metrics.MonitorTicks.Inc()

	running, err := m.registry.ListRunning(ctx)
	if err != nil {
		m.metrics.TickErrors.Inc()
		summary.Errors = append(summary.Errors, fmt.Sprintf("list running: %v", err))
		return summary
	}

	for _, exp := range running {
		m.evaluate(ctx, exp, &summary)
	}
	return summary
}

func (m *Monitor) evaluate(ctx context.Context, exp *api.Experiment, summary *TickSummary) {
	now := m.nowFn()

	if now.After(exp.EndTime) {
		if err := m.registry.Stop(ctx, exp.ID, ReasonDurationElapsed); err != nil {
			m.metrics.TickErrors.Inc()
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: stop: %v", exp.ID, err))
			return
		}
		summary.ActionsTaken = append(summary.ActionsTaken, fmt.Sprintf("%s: stopped, %s", exp.ID, ReasonDurationElapsed))
		return
	}

	result, err := m.analyzer.Analyze(ctx, exp.ID)
	if err != nil {
		m.metrics.TickErrors.Inc()
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: analyze: %v", exp.ID, err))
		return
	}
	if err := m.registry.SaveAnalysis(ctx, exp.ID, result); err != nil {
		m.metrics.TickErrors.Inc()
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: save analysis: %v", exp.ID, err))
	}

	summary.Active = append(summary.Active, ActiveExperiment{
		ID:           exp.ID,
		Name:         exp.Name,
		TrafficSplit: exp.TrafficSplit,
		Remaining:    exp.EndTime.Sub(now),
		Samples:      result.Baseline.Count + result.Candidate.Count,
	})

	if result.Status != api.AnalysisOK {
		return
	}

	if breached, detail := regression(result); breached {
		if err := m.registry.Stop(ctx, exp.ID, ReasonRollback); err != nil {
			m.metrics.TickErrors.Inc()
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: rollback stop: %v", exp.ID, err))
			// The mesh may still be splitting traffic to a regressing
			// candidate. Terminal ERROR flags this for operator action.
			if markErr := m.registry.MarkError(ctx, exp.ID, ReasonRollbackFailed); markErr != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: mark error: %v", exp.ID, markErr))
			}
			return
		}
		m.metrics.RollbacksTotal.Inc()
		alert := fmt.Sprintf("CRITICAL %s: rolled back, %s", exp.ID, detail)
		log.Printf("monitor: %s", alert)
		summary.Alerts = append(summary.Alerts, alert)
		summary.ActionsTaken = append(summary.ActionsTaken, fmt.Sprintf("%s: rolled back", exp.ID))
	}
}

// regression reports whether the candidate breaches a rollback threshold.
// With a clean baseline any candidate error at all counts as a breach.
func regression(r *api.AnalysisResult) (bool, string) {
	if r.Candidate.ErrorRate > errorRateRollbackFactor*r.Baseline.ErrorRate {
		return true, fmt.Sprintf("candidate error rate %.4f exceeds %.1fx baseline %.4f",
			r.Candidate.ErrorRate, errorRateRollbackFactor, r.Baseline.ErrorRate)
	}
	if r.Candidate.MeanLatencyMs > latencyRollbackFactor*r.Baseline.MeanLatencyMs {
		return true, fmt.Sprintf("candidate mean latency %.1fms exceeds %.1fx baseline %.1fms",
			r.Candidate.MeanLatencyMs, latencyRollbackFactor, r.Baseline.MeanLatencyMs)
	}
	return false, ""
}
