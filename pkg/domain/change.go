package domain

// Change describes a mutation applied to a stored record during a save.
type Change struct {
	Entity string
	Key    EntityKey
	Action Action
	Before map[string]any
	After  map[string]any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the write operations captured in the audit trail.
const (
	// ActionCreate indicates a record was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates a record was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)
