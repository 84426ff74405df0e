package api

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers are expected to branch on these kinds with
// errors.As / the Is* helpers rather than on message text, so the
// fail-open vs fail-fast distinction stays explicit at every call site.

// ConfigError marks invalid creation parameters. Fails fast; the
// experiment is never persisted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// NotFoundError marks an unknown experiment or report id. Routing degrades
// to baseline; analysis and report lookups surface it to the caller.
type NotFoundError struct {
	Kind string // "experiment" or "report"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ControlPlaneError marks a traffic-rule apply/restore failure. Lifecycle
// calls do not advance status on it; the caller must retry.
type ControlPlaneError struct {
	Op   string // "apply" or "restore"
	Host string
	Err  error
}

func (e *ControlPlaneError) Error() string {
	return fmt.Sprintf("control plane %s failed for %s: %v", e.Op, e.Host, e.Err)
}

func (e *ControlPlaneError) Unwrap() error { return e.Err }

// StateError marks a lifecycle call that the experiment's current status
// does not permit. Transitions are one-directional; the call is rejected
// without side effects.
type StateError struct {
	ID     string
	Status ExperimentStatus
	Action string // "start" or "stop"
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s experiment %s in status %s", e.Action, e.ID, e.Status)
}

// StoreError marks a transient persistence failure.
type StoreError struct {
	Op  string // "get", "set", "keys", "delete"
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsControlPlaneError(err error) bool {
	var cp *ControlPlaneError
	return errors.As(err, &cp)
}

func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
