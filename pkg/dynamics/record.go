package dynamics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Record is one CRM row: attribute names mapped to values, in the order the
// Web API returned them.
//
// Values decoded from JSON are string, json.Number, bool, nil, []any, or a
// nested *Record for expanded navigation properties.
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord returns an empty record
func NewRecord() *Record {
	return &Record{values: make(map[string]any)}
}

// Get returns the value of an attribute
func (r *Record) Get(key string) (any, bool) {
	if r == nil || r.values == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

// GetString returns the attribute as a string. Numbers are returned in their
// JSON form; missing or null attributes yield "".
func (r *Record) GetString(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Set assigns an attribute. New attributes go to the end; existing ones keep
// their position.
func (r *Record) Set(key string, value any) *Record {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
	return r
}

// Delete removes an attribute
func (r *Record) Delete(key string) {
	if r == nil || r.values == nil {
		return
	}
	if _, exists := r.values[key]; !exists {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the attribute names in order
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, len(r.keys))
	copy(keys, r.keys)
	return keys
}

// Len returns the number of attributes
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Without returns a shallow copy of the record minus the given attributes.
// Use it to drop the primary key before Create.
func (r *Record) Without(keys ...string) *Record {
	skip := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		skip[k] = struct{}{}
	}
	out := NewRecord()
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		if _, ok := skip[k]; ok {
			continue
		}
		out.Set(k, r.values[k])
	}
	return out
}

// Decode copies the record into v, typically a struct with json tags
func (r *Record) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// MarshalJSON writes the attributes in their recorded order
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeValue(&buf, r.values[k]); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping attribute order. A repeated
// attribute keeps its first position and its last value.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	r.keys = nil
	r.values = make(map[string]any)
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object, got %v", tok)
	}
	if err := r.decodeObject(dec); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after record object")
	}
	return nil
}

// decodeObject reads members up to and including the closing brace
func (r *Record) decodeObject(dec *json.Decoder) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected attribute name, got %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		r.Set(key, value)
	}
	_, err := dec.Token()
	return err
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		nested := NewRecord()
		if err := nested.decodeObject(dec); err != nil {
			return nil, err
		}
		return nested, nil
	case '[':
		items := []any{}
		for dec.More() {
			item, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %v", delim)
	}
}

func encodeValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
