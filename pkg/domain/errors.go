package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityDetached is returned when an operation needs an attached entity.
	ErrEntityDetached = errors.New("entity is not attached to a cache scope")
	// ErrForeignScope is returned when an entity belongs to another cache scope.
	ErrForeignScope = errors.New("entity belongs to another cache scope")
	// ErrNoTransport is returned when a remote operation has no transport.
	ErrNoTransport = errors.New("no transport configured")
	// ErrKeyConflict is the cause of a save rejected because a key assigned by
	// the data service already belongs to another resident entity.
	ErrKeyConflict = errors.New("assigned key already belongs to a resident entity")
)

// MetadataError reports an unknown or malformed type, property, or key.
type MetadataError struct {
	Type     string
	Property string
	Reason   string
}

func (e *MetadataError) Error() string {
	switch {
	case e.Type == "":
		return "metadata: " + e.Reason
	case e.Property == "":
		return fmt.Sprintf("metadata: type %q: %s", e.Type, e.Reason)
	default:
		return fmt.Sprintf("metadata: %s.%s: %s", e.Type, e.Property, e.Reason)
	}
}

// DuplicateIdentityError is returned when a second, distinct instance with an
// already resident identity is attached.
type DuplicateIdentityError struct {
	Key EntityKey
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("an entity with identity %s is already attached", e.Key)
}

// KeyChangeError is returned when a key property of an attached entity is set.
type KeyChangeError struct {
	Type     string
	Property string
}

func (e *KeyChangeError) Error() string {
	return fmt.Sprintf("key property %s.%s cannot change while attached", e.Type, e.Property)
}

// StateTransitionError reports an operation that is illegal in the entity's
// current state.
type StateTransitionError struct {
	Operation string
	State     EntityState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s an entity in state %s", e.Operation, e.State)
}

// ConcurrentSaveError is returned synchronously when a save is already in
// flight on the same cache scope.
type ConcurrentSaveError struct{}

func (*ConcurrentSaveError) Error() string {
	return "a save is already in progress for this cache scope"
}

// SaveErrorKind classifies a rejected save.
type SaveErrorKind string

// Save rejection kinds.
const (
	SaveErrorValidation    SaveErrorKind = "validation"
	SaveErrorTransport     SaveErrorKind = "transport"
	SaveErrorConflict      SaveErrorKind = "conflict"
	SaveErrorAuthorization SaveErrorKind = "authorization"
)

// EntityError ties a rejection detail to one entity of the batch.
type EntityError struct {
	Type     string    `json:"type" cbor:"type"`
	Key      EntityKey `json:"key" cbor:"key"`
	Property string    `json:"property,omitempty" cbor:"property,omitempty"`
	Message  string    `json:"message" cbor:"message"`
	// Entity is the resolved local instance, set by the cache scope when the
	// key is resident.
	Entity any `json:"-" cbor:"-"`
}

// SaveRejectedError reports that the data service could not persist the
// batch. No local state has been changed when it is returned.
type SaveRejectedError struct {
	Kind         SaveErrorKind `json:"kind" cbor:"kind"`
	Message      string        `json:"message" cbor:"message"`
	EntityErrors []EntityError `json:"entityErrors,omitempty" cbor:"entityErrors,omitempty"`
	Violations   []Violation   `json:"violations,omitempty" cbor:"violations,omitempty"`
	Cause        error         `json:"-" cbor:"-"`
}

func (e *SaveRejectedError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "save rejected"
	}
	return fmt.Sprintf("save rejected (%s): %s", e.Kind, msg)
}

func (e *SaveRejectedError) Unwrap() error { return e.Cause }

// ImportFormatError is returned when an export blob cannot be read.
type ImportFormatError struct {
	Reason string
	Err    error
}

func (e *ImportFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("import: %s: %v", e.Reason, e.Err)
	}
	return "import: " + e.Reason
}

func (e *ImportFormatError) Unwrap() error { return e.Err }
