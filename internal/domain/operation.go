package domain

// Action is the kind of index mutation produced by a transform.
type Action string

const (
	ActionWrite  Action = "write"
	ActionPatch  Action = "patch"
	ActionDelete Action = "delete"
	ActionNoop   Action = "noop"
)

// Operation is a single index mutation derived from one event. A write carries
// a full document, a patch carries only the changed fields. An operation may
// additionally carry a cascade when the change affects denormalized fields on
// other documents (a category rename touching its member products).
type Operation struct {
	Action     Action
	EntityType EntityType
	EntityID   string

	// Document is the full document for ActionWrite.
	Document any
	// Patch holds the field subset for ActionPatch, keyed by index field name.
	Patch map[string]any

	// SourceVersion is the entity version the operation was derived from.
	SourceVersion int64

	// Cascade, when non-nil, is deferred fan-out work triggered by this
	// operation. It is executed asynchronously after the operation commits.
	Cascade *CascadeWorkItem
}

// CascadeWorkItem describes fan-out of one upstream change onto the
// denormalized fields of many dependent documents. Each affected document is
// patched as its own idempotent sub-operation so a partially completed cascade
// is safely retriable.
type CascadeWorkItem struct {
	// RootEventID is the event that triggered the cascade. Sub-operation
	// event IDs are derived from it, which makes replays converge.
	RootEventID   string
	RootEventType string

	// TargetEntityType is the document type being patched.
	TargetEntityType EntityType
	// MatchField/MatchValue select the affected documents (a term query).
	MatchField string
	MatchValue string

	// Patch is applied to every affected document.
	Patch map[string]any
}

// SubEventID derives the idempotency key for one cascade target. The same
// root event always yields the same key per entity, so a resumed cascade
// skips documents it already updated.
func (c *CascadeWorkItem) SubEventID(entityID string) string {
	return c.RootEventID + ":" + entityID
}
