// Package domain holds the contracts shared by the entity cache, its
// transports, and the reference data services: entity states, identities,
// wire records, save batches, validation results, and the error taxonomy.
package domain

// EntityState is the change-tracking state of an entity within a cache scope.
type EntityState string

// Entity states.
const (
	StateDetached  EntityState = "Detached"
	StateAdded     EntityState = "Added"
	StateUnchanged EntityState = "Unchanged"
	StateModified  EntityState = "Modified"
	StateDeleted   EntityState = "Deleted"
)

// IsPending reports whether the state carries unsaved changes.
func (s EntityState) IsPending() bool {
	return s == StateAdded || s == StateModified || s == StateDeleted
}

// Valid reports whether s is one of the known states.
func (s EntityState) Valid() bool {
	switch s {
	case StateDetached, StateAdded, StateUnchanged, StateModified, StateDeleted:
		return true
	}
	return false
}

// OrUnchanged maps the empty state used on the wire to Unchanged.
func (s EntityState) OrUnchanged() EntityState {
	if s == "" {
		return StateUnchanged
	}
	return s
}

// MergeStrategy decides how incoming data is reconciled with resident entities.
type MergeStrategy string

// Merge strategies.
const (
	// PreserveChanges overwrites Unchanged residents and leaves residents
	// with pending changes untouched.
	PreserveChanges MergeStrategy = "PreserveChanges"
	// OverwriteChanges always replaces resident values and state.
	OverwriteChanges MergeStrategy = "OverwriteChanges"
	// SkipMerge only resolves identity; resident values are never touched.
	SkipMerge MergeStrategy = "SkipMerge"
)

// Valid reports whether the strategy is known.
func (m MergeStrategy) Valid() bool {
	switch m {
	case PreserveChanges, OverwriteChanges, SkipMerge:
		return true
	}
	return false
}

// ParseMergeStrategy converts a configuration string, defaulting to PreserveChanges.
func ParseMergeStrategy(raw string) (MergeStrategy, bool) {
	if raw == "" {
		return PreserveChanges, true
	}
	s := MergeStrategy(raw)
	return s, s.Valid()
}

// EntityAction names what happened to an entity in an EntityChanged notification.
type EntityAction string

// Entity actions, mirroring the change audit actions of the cache scope.
const (
	ActionAttach            EntityAction = "attach"
	ActionDetach            EntityAction = "detach"
	ActionPropertyChange    EntityAction = "property_change"
	ActionEntityStateChange EntityAction = "state_change"
	ActionAcceptChanges     EntityAction = "accept_changes"
	ActionRejectChanges     EntityAction = "reject_changes"
	ActionMergeOverwrite    EntityAction = "merge_overwrite"
	ActionClear             EntityAction = "clear"
)
