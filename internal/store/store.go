package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Store is durable key/value persistence with per-key expiry. All
// experiment state, outcome telemetry and reports live behind this
// interface so every component above it is substitutable with the
// in-memory implementation for testing.
type Store interface {
	// Get retrieves a value by key. Returns (nil, nil) if not found or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with TTL. ttl <= 0 means no expiry. Last writer
	// wins.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Key layout, unique per record.
const (
	experimentKeyPrefix = "ab_test:"
	outcomeKeyPrefix    = "prediction:"
	reportKeyPrefix     = "test_report:"
)

// ExperimentKey returns the storage key for an experiment record.
func ExperimentKey(id string) string {
	return experimentKeyPrefix + id
}

// ExperimentKeyPrefix returns the scan prefix covering all experiments.
func ExperimentKeyPrefix() string {
	return experimentKeyPrefix
}

// OutcomeKey returns a storage key unique per (experiment, arm, nanosecond
// timestamp). Nanosecond resolution keeps concurrent writers on distinct
// keys.
func OutcomeKey(experimentID, modelID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", outcomeKeyPrefix, experimentID, modelID, ts.UnixNano())
}

// OutcomeKeyPrefix returns the scan prefix for one arm's outcome records.
func OutcomeKeyPrefix(experimentID, modelID string) string {
	return fmt.Sprintf("%s%s:%s:", outcomeKeyPrefix, experimentID, modelID)
}

// ReportKey returns the storage key for a final experiment report.
func ReportKey(id string) string {
	return reportKeyPrefix + id
}

// MemoryStore is an in-memory store with optional file snapshot. It is the
// test double for every component and a standalone backend for
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string // optional file path for persistence
}

type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"` // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// NewMemoryStore creates an in-memory store. snapshotPath may be empty to
// disable persistence.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		ms.loadSnapshot()
	}

	return ms
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}

	return e.Value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	m.store[key] = e

	if m.snapshot != "" {
		go m.saveSnapshot() // async to avoid blocking writers
	}

	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var keys []string
	for k, e := range m.store {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}

	return keys, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.store, key)
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	// Only load non-expired entries
	now := time.Now()
	for k, v := range snapshot {
		if !v.expired(now) {
			m.store[k] = v
		}
	}

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	toSave := make(map[string]*entry)
	for k, v := range m.store {
		if !v.expired(now) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.snapshot, data, 0600)
}
