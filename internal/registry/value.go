// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package registry

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// ValueKind tags the variants of a routed argument.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is the structured argument transported to agent tools: a
// tagged sum over primitives, lists and maps. It round-trips through
// JSON without loss of shape.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null is the absent value.
var Null = Value{kind: KindNull}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map returns a map value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// AsBool returns the boolean variant.
func (v Value) AsBool() bool { return v.b }

// AsNumber returns the numeric variant.
func (v Value) AsNumber() float64 { return v.n }

// AsString returns the string variant.
func (v Value) AsString() string { return v.s }

// AsList returns the list variant.
func (v Value) AsList() []Value { return v.list }

// AsMap returns the map variant.
func (v Value) AsMap() map[string]Value { return v.m }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, errors.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return errors.Trace(err)
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return errors.Trace(err)
	}
	*v = parsed
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Trace(err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, errors.Trace(err)
			}
			items = append(items, v)
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromAny(item)
			if err != nil {
				return Value{}, errors.Trace(err)
			}
			m[k] = v
		}
		return Map(m), nil
	}
	return Value{}, errors.Errorf("unsupported value type %T", raw)
}
