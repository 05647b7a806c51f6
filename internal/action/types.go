package action

import (
	"fmt"
	"math"
	"strings"
)

// TypeKind enumerates the parameter value shapes a schema can require.
type TypeKind string

const (
	TString  TypeKind = "string"
	TInteger TypeKind = "integer"
	TNumber  TypeKind = "number"
	TBoolean TypeKind = "boolean"
	TMap     TypeKind = "map"
	TAny     TypeKind = "any"
	TList    TypeKind = "list"
	TEnum    TypeKind = "enum"
	TUnion   TypeKind = "union"
	TShape   TypeKind = "shape"
)

// Type describes the expected shape of a single parameter value.
// List uses Elem, Enum uses Values, Union uses Variants, Shape uses Fields.
type Type struct {
	Kind     TypeKind
	Elem     *Type
	Values   []string
	Variants []Type
	Fields   map[string]Type
}

func String() Type          { return Type{Kind: TString} }
func Integer() Type         { return Type{Kind: TInteger} }
func Number() Type          { return Type{Kind: TNumber} }
func Boolean() Type         { return Type{Kind: TBoolean} }
func Map() Type             { return Type{Kind: TMap} }
func Any() Type             { return Type{Kind: TAny} }
func List(elem Type) Type   { return Type{Kind: TList, Elem: &elem} }
func Enum(vs ...string) Type { return Type{Kind: TEnum, Values: vs} }
func Union(vs ...Type) Type { return Type{Kind: TUnion, Variants: vs} }
func Shape(fs map[string]Type) Type {
	return Type{Kind: TShape, Fields: fs}
}

// Check validates v against t, returning a human-readable mismatch
// description. JSON-decoded values only: numbers arrive as float64,
// objects as map[string]any, arrays as []any.
func (t Type) Check(v any) error {
	switch t.Kind {
	case TAny:
		return nil
	case TString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case TBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case TNumber:
		if !isNumber(v) {
			return fmt.Errorf("expected number, got %T", v)
		}
	case TInteger:
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", v)
		}
	case TMap:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	case TList:
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		for i, item := range items {
			if err := t.Elem.Check(item); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	case TEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected one of %s, got %T", strings.Join(t.Values, "|"), v)
		}
		for _, allowed := range t.Values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("expected one of %s, got %q", strings.Join(t.Values, "|"), s)
	case TUnion:
		for _, variant := range t.Variants {
			if variant.Check(v) == nil {
				return nil
			}
		}
		return fmt.Errorf("value %v matches no accepted form", v)
	case TShape:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for field, ft := range t.Fields {
			fv, present := obj[field]
			if !present {
				return fmt.Errorf("missing field %q", field)
			}
			if err := ft.Check(fv); err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
		}
	default:
		return fmt.Errorf("unchecked type kind %q", t.Kind)
	}
	return nil
}

func isNumber(v any) bool {
	_, ok := asFloat(v)
	return ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
