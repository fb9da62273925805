package polos

import (
	"encoding/json"
	"math/big"
	"reflect"
	"time"
)

// The step cache and every orchestrator payload use JSON with tagged
// wrappers for values JSON cannot represent natively:
//
//	{"__type":"Date",   "value":"2026-01-02T15:04:05Z"}
//	{"__type":"BigInt", "value":"9007199254740993"}
//	{"__type":"Map",    "value":[[k,v],…]}
//	{"__type":"Set",    "value":[…]}
//
// Unknown __type tags pass through Deserialize unchanged so newer peers can
// introduce wrappers without breaking older workers.
const typeTag = "__type"

// Map is an ordered key/value collection whose keys may be any JSON value.
// It round-trips through the Map wrapper, preserving insertion order.
type Map struct {
	entries []MapEntry
}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// NewMap creates a Map from the given entries, keeping their order.
func NewMap(entries ...MapEntry) *Map {
	m := &Map{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Set inserts or replaces the value under key.
func (m *Map) Set(key, value any) {
	for i, e := range m.entries {
		if sameValue(e.Key, key) {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, MapEntry{Key: key, Value: value})
}

// Get returns the value under key and whether it was present.
func (m *Map) Get(key any) (any, bool) {
	for _, e := range m.entries {
		if sameValue(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns the entries in insertion order. The slice is shared; do
// not mutate it.
func (m *Map) Entries() []MapEntry { return m.entries }

// MarshalJSON emits the tagged Map wrapper.
func (m *Map) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, len(m.entries))
	for i, e := range m.entries {
		pairs[i] = [2]any{serializeValue(e.Key, false), serializeValue(e.Value, false)}
	}
	return json.Marshal(map[string]any{typeTag: "Map", "value": pairs})
}

// Set is an ordered collection of distinct JSON values. It round-trips
// through the Set wrapper.
type Set struct {
	values []any
}

// NewSet creates a Set from values, dropping duplicates.
func NewSet(values ...any) *Set {
	s := &Set{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v unless an equal value is already present.
func (s *Set) Add(v any) {
	if !s.Has(v) {
		s.values = append(s.values, v)
	}
}

// Has reports whether an equal value is present.
func (s *Set) Has(v any) bool {
	for _, existing := range s.values {
		if sameValue(existing, v) {
			return true
		}
	}
	return false
}

// Len returns the number of values.
func (s *Set) Len() int { return len(s.values) }

// Values returns the values in insertion order. The slice is shared; do not
// mutate it.
func (s *Set) Values() []any { return s.values }

// MarshalJSON emits the tagged Set wrapper.
func (s *Set) MarshalJSON() ([]byte, error) {
	vals := make([]any, len(s.values))
	for i, v := range s.values {
		vals[i] = serializeValue(v, false)
	}
	return json.Marshal(map[string]any{typeTag: "Set", "value": vals})
}

// sameValue compares two dynamic JSON values. DeepEqual keeps uncomparable
// kinds (slices, maps) from panicking under ==.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Serialize encodes v as wrapper-tagged JSON. A top-level time.Time becomes
// the Date wrapper; nested times degrade to plain RFC 3339 strings, matching
// the wire format's historical behaviour, so callers that need nested dates
// to survive a round-trip must place them at the top level. *big.Int, *Map,
// and *Set are wrapped at any depth.
func Serialize(v any) ([]byte, error) {
	return json.Marshal(serializeValue(v, true))
}

func serializeValue(v any, top bool) any {
	switch t := v.(type) {
	case time.Time:
		if top {
			return map[string]any{typeTag: "Date", "value": t.UTC().Format(time.RFC3339Nano)}
		}
		return t // encoding/json renders RFC 3339
	case *time.Time:
		if t == nil {
			return nil
		}
		return serializeValue(*t, top)
	case *big.Int:
		if t == nil {
			return nil
		}
		return map[string]any{typeTag: "BigInt", "value": t.String()}
	case big.Int:
		return map[string]any{typeTag: "BigInt", "value": t.String()}
	case *Map, *Set:
		return t // MarshalJSON emits the wrapper
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = serializeValue(val, false)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = serializeValue(val, false)
		}
		return out
	default:
		return v
	}
}

// Deserialize decodes wrapper-tagged JSON produced by Serialize (or by any
// other runtime speaking the same format). Known wrappers are revived into
// time.Time, *big.Int, *Map, and *Set; unknown __type wrappers pass through
// unchanged.
func Deserialize(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return reviveValue(raw), nil
}

func reviveValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if tag, ok := t[typeTag].(string); ok {
			if revived, ok := reviveWrapper(tag, t["value"]); ok {
				return revived
			}
			return t // unknown or malformed wrapper: pass through
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = reviveValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = reviveValue(val)
		}
		return out
	default:
		return v
	}
}

// reviveWrapper turns a known wrapper payload back into its Go value. The
// second return is false for unknown tags and for payloads that do not
// match the tag's shape, which keeps malformed input intact instead of
// corrupting it.
func reviveWrapper(tag string, value any) (any, bool) {
	switch tag {
	case "Date":
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, true
		}
		return nil, false
	case "BigInt":
		s, ok := value.(string)
		if !ok {
			return nil, false
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, false
		}
		return n, true
	case "Map":
		pairs, ok := value.([]any)
		if !ok {
			return nil, false
		}
		m := &Map{}
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, false
			}
			m.Set(reviveValue(pair[0]), reviveValue(pair[1]))
		}
		return m, true
	case "Set":
		vals, ok := value.([]any)
		if !ok {
			return nil, false
		}
		s := &Set{}
		for _, val := range vals {
			s.Add(reviveValue(val))
		}
		return s, true
	default:
		return nil, false
	}
}
