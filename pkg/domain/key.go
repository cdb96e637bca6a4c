package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EntityKey identifies an entity within a cache scope: the root type of its
// inheritance hierarchy plus the ordered key property values.
type EntityKey struct {
	Type   string `json:"type" cbor:"type"`
	Values []any  `json:"values" cbor:"values"`
}

// NewEntityKey builds a key for the given root type.
func NewEntityKey(rootType string, values ...any) EntityKey {
	return EntityKey{Type: rootType, Values: values}
}

// String renders the canonical identity string used for map lookups. Two keys
// with the same normalized values always render identically.
func (k EntityKey) String() string {
	var b strings.Builder
	b.WriteString(k.Type)
	for _, v := range k.Values {
		b.WriteByte('|')
		b.WriteString(FormatKeyValue(v))
	}
	return b.String()
}

// Equal compares two keys by canonical form.
func (k EntityKey) Equal(other EntityKey) bool {
	return k.String() == other.String()
}

// Complete reports whether every key value is present.
func (k EntityKey) Complete() bool {
	if len(k.Values) == 0 {
		return false
	}
	for _, v := range k.Values {
		if v == nil {
			return false
		}
	}
	return true
}

// FormatKeyValue renders a normalized key value. Strings are quoted so that the
// string "1" never collides with the integer 1.
func FormatKeyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return strconv.Quote(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return strconv.Quote(fmt.Sprint(val))
	}
}
