package domain

import "context"

// EntityData is a raw entity record as produced by a query, a save result, or
// an imported snapshot. Values use wire primitives (string, int64, float64,
// bool, nil, RFC3339 timestamps) and are normalized through metadata on merge.
type EntityData struct {
	Type           string         `json:"type" cbor:"type"`
	State          EntityState    `json:"state,omitempty" cbor:"state,omitempty"`
	TempKey        bool           `json:"tempKey,omitempty" cbor:"tempKey,omitempty"`
	Values         map[string]any `json:"values" cbor:"values"`
	OriginalValues map[string]any `json:"originalValues,omitempty" cbor:"originalValues,omitempty"`
}

// Query describes a remote read. Filter is an equality match on wire values;
// query-language translation is left to richer transports.
type Query struct {
	Type   string         `json:"type" cbor:"type"`
	Filter map[string]any `json:"filter,omitempty" cbor:"filter,omitempty"`
	Skip   int            `json:"skip,omitempty" cbor:"skip,omitempty"`
	Take   int            `json:"take,omitempty" cbor:"take,omitempty"`

	// MergeStrategy overrides the scope default when results are merged.
	MergeStrategy MergeStrategy `json:"-" cbor:"-"`
}

// SaveEntry is one entity in a save batch.
type SaveEntry struct {
	Type    string      `json:"type" cbor:"type"`
	State   EntityState `json:"state" cbor:"state"`
	Key     EntityKey   `json:"key" cbor:"key"`
	TempKey bool        `json:"tempKey,omitempty" cbor:"tempKey,omitempty"`
	// Values holds current values for Added and Modified entries and only the
	// key values for Deleted entries.
	Values map[string]any `json:"values" cbor:"values"`
	// OriginalValues lists the pre-change values of modified properties.
	OriginalValues map[string]any `json:"originalValues,omitempty" cbor:"originalValues,omitempty"`
	// Concurrency holds the client baseline used for conflict detection.
	Concurrency map[string]any `json:"concurrency,omitempty" cbor:"concurrency,omitempty"`
}

// SaveBatch is the unit handed to a transport by the save coordinator.
type SaveBatch struct {
	ID      string      `json:"id" cbor:"id"`
	Entries []SaveEntry `json:"entries" cbor:"entries"`
}

// KeyMapping reports the permanent key assigned to a temporary key.
type KeyMapping struct {
	Type      string `json:"type" cbor:"type"`
	TempValue any    `json:"tempValue" cbor:"tempValue"`
	RealValue any    `json:"realValue" cbor:"realValue"`
}

// SaveOutcome is the successful result of a save: key mappings plus any
// values the server changed (concurrency tokens, defaults, rewritten keys).
type SaveOutcome struct {
	KeyMappings []KeyMapping `json:"keyMappings,omitempty" cbor:"keyMappings,omitempty"`
	Entities    []EntityData `json:"entities,omitempty" cbor:"entities,omitempty"`
}

// Transport executes queries and saves against a remote data service. Failed
// saves should return *SaveRejectedError so the coordinator can resolve the
// offending entities.
type Transport interface {
	ExecuteQuery(ctx context.Context, q Query) ([]EntityData, error)
	ExecuteSave(ctx context.Context, batch SaveBatch) (SaveOutcome, error)
}

// MetadataSource is implemented by transports able to describe their entity
// types. Documents are returned in their JSON form.
type MetadataSource interface {
	FetchMetadata(ctx context.Context) ([]byte, error)
}

// DataService is the full surface of a reference data service.
type DataService interface {
	Transport
	MetadataSource
}
