package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the concrete type held by a Value.
type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
	ValueTime   ValueKind = "time"
	ValueList   ValueKind = "list"
	ValueMap    ValueKind = "map"
)

// Value is a tagged variant for schema-less attribute bags and semantic
// fact objects. Exactly one field matching Kind is populated. Using a
// tagged variant instead of an untyped blob keeps property access
// type-safe while preserving extensibility.
type Value struct {
	Kind   ValueKind        `json:"kind"`
	Str    string           `json:"str,omitempty"`
	Num    float64          `json:"num,omitempty"`
	Bool   bool             `json:"bool,omitempty"`
	Time   time.Time        `json:"time,omitempty"`
	List   []Value          `json:"list,omitempty"`
	Fields map[string]Value `json:"fields,omitempty"`
}

// StringValue wraps a string in a Value.
func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }

// NumberValue wraps a float64 in a Value.
func NumberValue(n float64) Value { return Value{Kind: ValueNumber, Num: n} }

// BoolValue wraps a bool in a Value.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// TimeValue wraps a time.Time in a Value.
func TimeValue(t time.Time) Value { return Value{Kind: ValueTime, Time: t} }

// ListValue wraps a slice of Values.
func ListValue(items ...Value) Value { return Value{Kind: ValueList, List: items} }

// MapValue wraps a map of Values.
func MapValue(fields map[string]Value) Value { return Value{Kind: ValueMap, Fields: fields} }

// Equal reports deep equality between two values, including kind.
// Number comparison is exact; callers needing tolerance should compare
// Num fields directly.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueString:
		return v.Str == other.Str
	case ValueNumber:
		return v.Num == other.Num
	case ValueBool:
		return v.Bool == other.Bool
	case ValueTime:
		return v.Time.Equal(other.Time)
	case ValueList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case ValueMap:
		if len(v.Fields) != len(other.Fields) {
			return false
		}
		for k, val := range v.Fields {
			o, ok := other.Fields[k]
			if !ok || !val.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value for display and prose generation.
func (v Value) String() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return fmt.Sprintf("%g", v.Num)
	case ValueBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValueTime:
		return v.Time.Format(time.RFC3339)
	case ValueList:
		b, _ := json.Marshal(v.List)
		return string(b)
	case ValueMap:
		b, _ := json.Marshal(v.Fields)
		return string(b)
	}
	return ""
}

// Properties is a schema-less attribute bag keyed by property name.
// Properties on a canonical entity are an advisory cache only; the domain
// database remains authoritative.
type Properties map[string]Value

// propertyAllowList maps entity types to the property keys accepted at the
// boundary. Unknown entity types accept any key.
var propertyAllowList = map[string]map[string]bool{
	EntityTypeCustomer: {
		"industry": true, "region": true, "tier": true, "website": true,
		"payment_terms": true, "account_manager": true, "founded": true,
	},
	EntityTypeVendor: {
		"industry": true, "region": true, "category": true, "website": true,
		"payment_terms": true,
	},
	EntityTypeContact: {
		"email": true, "phone": true, "role": true, "company": true,
	},
	EntityTypeProduct: {
		"sku": true, "category": true, "price": true, "unit": true,
	},
	EntityTypeOrder: {
		"status": true, "total": true, "placed_at": true, "currency": true,
	},
	EntityTypeInvoice: {
		"status": true, "total": true, "due_at": true, "currency": true,
	},
	EntityTypeProject: {
		"status": true, "owner": true, "deadline": true,
	},
	EntityTypeDeal: {
		"stage": true, "value": true, "close_date": true, "owner": true,
	},
}

// ValidateProperties checks a property bag against the allow-list for the
// entity type. Returns an error naming the first rejected key. Entity
// types without an allow-list accept all keys.
func ValidateProperties(entityType string, props Properties) error {
	allowed, ok := propertyAllowList[entityType]
	if !ok {
		return nil
	}
	for key := range props {
		if !allowed[key] {
			return fmt.Errorf("property %q is not recognized for entity type %q", key, entityType)
		}
	}
	return nil
}
