package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotMapping is returned when a payload is not an object of string arrays.
var ErrNotMapping = errors.New("mapping is not an object of string arrays")

// Mapping is an insertion-ordered substandard -> key phrases map.
// JSON key order survives a decode/encode round trip.
type Mapping struct {
	keys  []string
	lists map[string][]string
}

// NewMapping returns an empty mapping.
func NewMapping() Mapping {
	return Mapping{lists: make(map[string][]string)}
}

// Set assigns phrases to a substandard, keeping the first insertion position.
func (m *Mapping) Set(substandard string, phrases []string) {
	if m.lists == nil {
		m.lists = make(map[string][]string)
	}
	if _, ok := m.lists[substandard]; !ok {
		m.keys = append(m.keys, substandard)
	}
	if phrases == nil {
		phrases = []string{}
	}
	m.lists[substandard] = phrases
}

// Get returns the phrases for a substandard.
func (m Mapping) Get(substandard string) ([]string, bool) {
	v, ok := m.lists[substandard]
	return v, ok
}

// Keys returns substandards in insertion order.
func (m Mapping) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of substandards.
func (m Mapping) Len() int {
	return len(m.keys)
}

// Each visits every entry in insertion order.
func (m Mapping) Each(fn func(substandard string, phrases []string)) {
	for _, k := range m.keys {
		fn(k, m.lists[k])
	}
}

// MarshalJSON encodes the mapping as an object in insertion order.
func (m Mapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := MarshalCompact(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := MarshalCompact(m.lists[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts only a JSON object whose values are arrays of strings.
// null, scalars, arrays and nested objects are rejected with ErrNotMapping.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMapping, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: got %s", ErrNotMapping, describeToken(tok))
	}

	out := NewMapping()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotMapping, err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: %v", ErrNotMapping, err)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%w: value for %q is null", ErrNotMapping, key)
		}
		var phrases []string
		if err := json.Unmarshal(raw, &phrases); err != nil {
			return fmt.Errorf("%w: value for %q: %v", ErrNotMapping, key, err)
		}
		out.Set(key, phrases)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotMapping, err)
	}

	*m = out
	return nil
}

func describeToken(tok json.Token) string {
	switch v := tok.(type) {
	case nil:
		return "null"
	case json.Delim:
		return "delimiter " + v.String()
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, json.Number:
		return "number"
	}
	return fmt.Sprintf("%T", tok)
}

// MarshalCompact encodes v as compact JSON without HTML escaping and
// without the trailing newline json.Encoder adds.
func MarshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
