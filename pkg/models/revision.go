package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/getmetamapper/metamapper-engine/pkg/objectid"
)

// RevisionAction is the terminal verb a revision records for a resource.
type RevisionAction string

const (
	RevisionAdded    RevisionAction = "added"
	RevisionModified RevisionAction = "modified"
	RevisionRemoved  RevisionAction = "removed"
	// RevisionTouched marks a resource that was observed unchanged. It carries
	// no field values but tells finalize the resource is still live.
	RevisionTouched RevisionAction = "touched"
)

// RevisionResource identifies which catalog table a revision targets.
type RevisionResource string

const (
	ResourceSchema RevisionResource = "schema"
	ResourceTable  RevisionResource = "table"
	ResourceColumn RevisionResource = "column"
	ResourceIndex  RevisionResource = "index"
)

// resourceRank orders resources parent-first so finalize can replay
// revisions without creating orphans.
var resourceRank = map[RevisionResource]int{
	ResourceSchema: 0,
	ResourceTable:  1,
	ResourceColumn: 2,
	ResourceIndex:  3,
}

// Rank returns the parent-first apply order for the resource type.
func (r RevisionResource) Rank() int { return resourceRank[r] }

// Revision is an immutable, append-only record of one observed change
// belonging to a run. Revisions are the complete diff produced by the run and
// the mechanism by which the run's effect is applied at finalize; they never
// mutate the live catalog when written.
type Revision struct {
	ID         uuid.UUID        `json:"id"`
	RunID      uuid.UUID        `json:"run_id"`
	Action     RevisionAction   `json:"action"`
	Resource   RevisionResource `json:"resource"`
	ResourceID objectid.OID     `json:"resource_id"`
	ParentID   objectid.OID     `json:"parent_id,omitempty"`
	Metadata   RevisionMetadata `json:"metadata"`
	Seq        int64            `json:"seq"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RevisionMetadata carries the old and new field values for a revision.
// Added revisions have only New (a full field map, including the
// pre-generated catalog row id so replay is idempotent); modified revisions
// carry both maps restricted to changed fields plus the stored row id;
// removed and touched revisions carry only the stored row id.
type RevisionMetadata struct {
	RowID uuid.UUID      `json:"row_id,omitempty"`
	Old   map[string]any `json:"old,omitempty"`
	New   map[string]any `json:"new,omitempty"`
}
