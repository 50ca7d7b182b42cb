// Package closureerr defines the error kinds the closure engine can return,
// matching the taxonomy the spec lays out: store failures, internal
// consistency failures, and batching-context nesting misuse.
package closureerr

import "fmt"

// StoreError wraps a failure from the underlying transactional store. The
// enclosing transaction has already been rolled back by the time this
// surfaces to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError for operation op.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ConsistencyError is raised when the layered rebuild exceeds its safety
// bound. It indicates a bug or data corruption, never normal operation.
type ConsistencyError struct {
	SeedSize  int
	LayerCt   int
	SafetyMax int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"closure rebuild exceeded safety bound: %d layers (max %d) starting from a seed of %d roles",
		e.LayerCt, e.SafetyMax, e.SeedSize,
	)
}

// NewConsistencyError builds a ConsistencyError with enough context to
// identify the offending seed set.
func NewConsistencyError(seedSize, layerCt, safetyMax int) error {
	return &ConsistencyError{SeedSize: seedSize, LayerCt: layerCt, SafetyMax: safetyMax}
}

// NestingError is raised when a batching context is entered inside another
// without allow_nesting, before any state is mutated.
type NestingError struct{}

func (e *NestingError) Error() string {
	return "batching context already active: nested entry requires allowNesting=true"
}

// ErrNesting is the sentinel NestingError value.
var ErrNesting error = &NestingError{}
