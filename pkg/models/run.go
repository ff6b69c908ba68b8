package models

import (
	"time"

	"github.com/google/uuid"
)

// Run is one crawl/reconciliation attempt against a datastore. A run is open
// while FinishedAt is nil; at most one open run may exist per datastore.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	DatastoreID uuid.UUID  `json:"datastore_id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsOpen reports whether the run has not yet finished.
func (r *Run) IsOpen() bool { return r.FinishedAt == nil }

// Succeeded reports whether the run finished without a terminal error.
func (r *Run) Succeeded() bool { return r.FinishedAt != nil && r.Error == nil }

// RunError is a terminal error recorded against a run. Several may accumulate
// (one per failed schema unit); consumers surface the earliest.
type RunError struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	SchemaName *string   `json:"schema_name,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
