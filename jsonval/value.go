// Package jsonval implements the small JSON value ADT the rest of colod
// relies on: QMP messages, cluster payload bodies and client-dispatcher
// requests are all parsed once into this shape and then matched
// structurally rather than re-marshalled and compared by value.
package jsonval

import (
	"encoding/json"
	"fmt"
)

// Value is a parsed JSON value: map[string]Value, []Value, string,
// float64, bool, or nil. encoding/json already decodes into exactly
// this shape when the target is `any`, so Value is kept as an alias
// rather than a hand-rolled sum type — there is nothing to gain by
// wrapping it, and every encoding/json helper keeps working on it.
type Value = any

// Parse decodes a single JSON object or value from raw text.
func Parse(raw []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	return v, nil
}

// Object asserts that v is a JSON object and returns it as a map.
func Object(v Value) (map[string]Value, bool) {
	m, ok := v.(map[string]Value)
	return m, ok
}

// Field looks up a key in v, returning (nil, false) if v is not an
// object or the key is absent.
func Field(v Value, key string) (Value, bool) {
	m, ok := Object(v)
	if !ok {
		return nil, false
	}

	fv, ok := m[key]
	return fv, ok
}

// String returns v as a string, or "" if it isn't one.
func String(v Value) string {
	s, _ := v.(string)
	return s
}

// Matches implements object_matches (spec §9 Design Notes): every key
// present in template must be present in candidate with an equal value,
// recursively for nested objects. Arrays, strings, numbers and bools
// compare equal with reflect-free type assertions. Extra keys in
// candidate that aren't in template are ignored — this is a template
// match, not an equality check.
func Matches(template, candidate Value) bool {
	tmplObj, ok := Object(template)
	if !ok {
		return valueEqual(template, candidate)
	}

	candObj, ok := Object(candidate)
	if !ok {
		return false
	}

	for key, wantVal := range tmplObj {
		gotVal, present := candObj[key]
		if !present {
			return false
		}

		if !Matches(wantVal, gotVal) {
			return false
		}
	}

	return true
}

func valueEqual(a, b Value) bool {
	switch av := a.(type) {
	case map[string]Value:
		bv, ok := b.(map[string]Value)
		if !ok || len(av) != len(bv) {
			return false
		}

		for k, v := range av {
			bvv, present := bv[k]
			if !present || !valueEqual(v, bvv) {
				return false
			}
		}

		return true
	case []Value:
		bv, ok := b.([]Value)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	default:
		return a == b
	}
}

// Clone returns a deep copy of v (object/array contents are copied,
// scalars are immutable already). Used so a cached template value can
// be handed out to callers without risking later mutation.
func Clone(v Value) Value {
	switch tv := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(tv))
		for k, vv := range tv {
			out[k] = Clone(vv)
		}

		return out
	case []Value:
		out := make([]Value, len(tv))
		for i, vv := range tv {
			out[i] = Clone(vv)
		}

		return out
	default:
		return tv
	}
}
