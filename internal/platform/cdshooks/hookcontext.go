package cdshooks

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HookContext is the ordered set of context values (userId, patientId, ...)
// supplied when a hook fires. JSON encoding keeps insertion order.
type HookContext struct {
	keys   []string
	values map[string]string
}

// NewHookContext creates a context from alternating key/value pairs.
func NewHookContext(pairs ...string) *HookContext {
	hc := &HookContext{values: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		hc.Set(pairs[i], pairs[i+1])
	}
	return hc
}

// Set adds or replaces a value. Replacing keeps the original position.
func (hc *HookContext) Set(key, value string) {
	if hc.values == nil {
		hc.values = make(map[string]string)
	}
	if _, exists := hc.values[key]; !exists {
		hc.keys = append(hc.keys, key)
	}
	hc.values[key] = value
}

// Get returns the value for key.
func (hc *HookContext) Get(key string) (string, bool) {
	if hc == nil {
		return "", false
	}
	v, ok := hc.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (hc *HookContext) Keys() []string {
	if hc == nil {
		return nil
	}
	out := make([]string, len(hc.keys))
	copy(out, hc.keys)
	return out
}

// Len returns the number of entries.
func (hc *HookContext) Len() int {
	if hc == nil {
		return 0
	}
	return len(hc.keys)
}

// Clone returns an independent copy.
func (hc *HookContext) Clone() *HookContext {
	out := NewHookContext()
	if hc == nil {
		return out
	}
	for _, k := range hc.keys {
		out.Set(k, hc.values[k])
	}
	return out
}

// MarshalJSON writes the entries as a JSON object in insertion order.
func (hc *HookContext) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if hc != nil {
		for i, k := range hc.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(hc.values[k])
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object of strings, keeping document order.
func (hc *HookContext) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("hook context: expected object, got %v", tok)
	}
	hc.keys = nil
	hc.values = make(map[string]string)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("hook context: expected key, got %v", kt)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("hook context: value for %q: %w", key, err)
		}
		hc.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
