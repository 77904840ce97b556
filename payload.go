package durable

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Payload is a JSON encoded value carried by events, commands and signals.
// An empty Payload represents the absence of a value.
type Payload []byte

// NewPayload encodes v as a Payload. A nil value yields an empty Payload.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return Payload(data), nil
}

// MustPayload is like NewPayload but panics on encoding errors. It is meant
// for tests and static values.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsEmpty reports whether the payload carries no value.
func (p Payload) IsEmpty() bool {
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}

// Decode unmarshals the payload into valuePtr. Decoding an empty payload or
// decoding into a nil pointer is a no-op.
func (p Payload) Decode(valuePtr any) error {
	if valuePtr == nil || p.IsEmpty() {
		return nil
	}
	if target, ok := valuePtr.(*Payload); ok {
		*target = append(Payload(nil), p...)
		return nil
	}
	if err := json.Unmarshal(p, valuePtr); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func (p Payload) String() string {
	if len(p) == 0 {
		return ""
	}
	return string(p)
}

// MarshalJSON embeds the payload as raw JSON.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return p, nil
}

// UnmarshalJSON stores the raw JSON value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// MarshalYAML renders the payload as a structured YAML value so history
// fixtures stay readable.
func (p Payload) MarshalYAML() (any, error) {
	if p.IsEmpty() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return v, nil
}

// UnmarshalYAML accepts any YAML value and stores its JSON encoding.
func (p *Payload) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		*p = nil
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	*p = data
	return nil
}
