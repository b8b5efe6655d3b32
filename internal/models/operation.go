package models

import "time"

// OperationStatus is the overall outcome of an operation.
type OperationStatus string

const (
	OperationSucceeded OperationStatus = "succeeded"
	OperationPartial   OperationStatus = "partial"
	OperationFailed    OperationStatus = "failed"
)

// Operation is the audit record of one orchestrator call.
type Operation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	SliceID    string          `json:"slice_id"`
	Status     OperationStatus `json:"status"`
	Summary    Summary         `json:"summary"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// StatusOf derives the operation status from a summary and a fatal error.
func StatusOf(summary Summary, err error) OperationStatus {
	switch {
	case err != nil:
		return OperationFailed
	case summary.Failed > 0:
		return OperationPartial
	default:
		return OperationSucceeded
	}
}
