// Package metadata describes entity shapes: data properties, keys,
// navigation properties, relationships, and validators. Types are registered
// once in an explicitly constructed Registry and then shared read-only by every
// cache scope built against it.
package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType is the semantic type of a data property.
type DataType string

// Supported data types. Normalized Go representations are noted per type.
const (
	TypeString DataType = "string" // string
	TypeInt    DataType = "int"    // int64
	TypeFloat  DataType = "float"  // float64
	TypeBool   DataType = "bool"   // bool
	TypeTime   DataType = "time"   // time.Time in UTC
	TypeGUID   DataType = "guid"   // canonical lowercase string
)

// Valid reports whether the data type is supported.
func (t DataType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeGUID:
		return true
	}
	return false
}

// Cardinality of a navigation property.
type Cardinality string

// Navigation cardinalities.
const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// KeyGeneration tells the cache how keys of new entities are produced.
type KeyGeneration string

// Key generation strategies.
const (
	// KeyGenerationNone requires callers to supply keys.
	KeyGenerationNone KeyGeneration = "none"
	// KeyGenerationIdentity assigns negative temporary keys that the data
	// service replaces with permanent ones on save.
	KeyGenerationIdentity KeyGeneration = "identity"
	// KeyGenerationClient generates GUID keys locally.
	KeyGenerationClient KeyGeneration = "client"
)

// DataProperty describes one scalar property.
type DataProperty struct {
	Name             string          `json:"name" yaml:"name"`
	Type             DataType        `json:"type" yaml:"type"`
	Nullable         bool            `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Default          any             `json:"default,omitempty" yaml:"default,omitempty"`
	MaxLength        int             `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	ConcurrencyCheck bool            `json:"concurrencyCheck,omitempty" yaml:"concurrencyCheck,omitempty"`
	Validators       []ValidatorSpec `json:"validators,omitempty" yaml:"validators,omitempty"`
}

// ZeroValue returns the neutral value of the property: nil when nullable,
// otherwise the zero value of its type.
func (p DataProperty) ZeroValue() any {
	if p.Nullable {
		return nil
	}
	switch p.Type {
	case TypeString:
		return ""
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float64(0)
	case TypeBool:
		return false
	case TypeTime:
		return time.Time{}
	case TypeGUID:
		return uuid.Nil.String()
	}
	return nil
}

// InitialValue is the value a freshly created entity starts with.
func (p DataProperty) InitialValue() any {
	if p.Default != nil {
		if v, err := p.Normalize(p.Default); err == nil {
			return v
		}
	}
	return p.ZeroValue()
}

// IsEmpty reports whether v is the zero or nil value of the property type.
func (p DataProperty) IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch p.Type {
	case TypeGUID:
		s, _ := v.(string)
		return s == "" || s == uuid.Nil.String()
	case TypeString:
		s, _ := v.(string)
		return s == ""
	case TypeInt:
		i, _ := v.(int64)
		return i == 0
	}
	return false
}

// Normalize converts v into the canonical Go representation of the property.
// It accepts the shapes produced by JSON, YAML and CBOR decoders.
func (p DataProperty) Normalize(v any) (any, error) {
	if v == nil {
		if !p.Nullable {
			return nil, fmt.Errorf("property %s is not nullable", p.Name)
		}
		return nil, nil
	}
	out, err := normalize(p.Type, v)
	if err != nil {
		return nil, fmt.Errorf("property %s: %w", p.Name, err)
	}
	return out, nil
}

// Encode converts a normalized value into its wire form.
func (p DataProperty) Encode(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// ValuesEqual compares two normalized values.
func ValuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

func normalize(t DataType, v any) (any, error) {
	switch t {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case TypeInt:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, tv)
			if err != nil {
				return nil, err
			}
			return parsed.UTC(), nil
		}
	case TypeGUID:
		switch g := v.(type) {
		case uuid.UUID:
			return g.String(), nil
		case [16]byte:
			return uuid.UUID(g).String(), nil
		case string:
			id, err := uuid.Parse(strings.TrimSpace(g))
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}
	default:
		return nil, fmt.Errorf("unsupported data type %q", t)
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

func toInt64(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case json.Number:
		return n.Int64()
	}
	return nil, fmt.Errorf("cannot use %T as int", v)
}

// floatToInt64 accepts whole numbers inside the int64 range. float64(MaxInt64)
// rounds up to 2^63, so the upper bound is exclusive.
func floatToInt64(f float64) (any, error) {
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("value %v is not integral", f)
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("value %v overflows int64", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("cannot use %T as float", v)
	}
	return float64(i.(int64)), nil
}
