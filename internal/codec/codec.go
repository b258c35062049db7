// Package codec serializes configuration payloads into self-describing,
// versioned byte frames. Only data travels the wire: a configuration type is
// referenced by its registered name and reconstructed locally, so a peer can
// never inject behavior through a payload.
package codec

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Version is the envelope format version. Decoders reject envelopes with a
// newer version than they understand.
const Version = 1

// MapType is the fallback type name for plain JSON-object configurations.
const MapType = "map"

// Envelope is the wire form of an encoded value.
type Envelope struct {
	Version int             `json:"v"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Registry maps type names to factories producing empty values to decode
// into. A Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
	names     map[string]string // reflect key -> registered name
}

// NewRegistry creates a registry with the plain-map fallback registered.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]func() any),
		names:     make(map[string]string),
	}
	r.Register(MapType, func() any { return &map[string]any{} })
	return r
}

// Register binds a type name to a factory returning a pointer to a zero
// value of the configuration type. Registering an existing name replaces it.
func (r *Registry) Register(name string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	proto := factory()
	r.names[typeKey(proto)] = name
}

// NameFor returns the registered name for a value's type, or MapType when
// the type was never registered but the value is a plain map.
func (r *Registry) NameFor(v any) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.names[typeKey(v)]; ok {
		return name, nil
	}
	switch v.(type) {
	case map[string]any, *map[string]any:
		return MapType, nil
	}
	return "", fmt.Errorf("type %T is not registered", v)
}

// Encode wraps a value in a versioned envelope and marshals it.
func (r *Registry) Encode(v any) ([]byte, error) {
	name, err := r.NameFor(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(&Envelope{Version: Version, Type: name, Data: data})
}

// EncodeNamed wraps an already-serialized payload under an explicit type name.
// The name is validated against the registry.
func (r *Registry) EncodeNamed(name string, data json.RawMessage) ([]byte, error) {
	r.mu.RLock()
	_, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type %q is not registered", name)
	}
	return json.Marshal(&Envelope{Version: Version, Type: name, Data: data})
}

// Decode unmarshals an envelope and reconstructs the value through the
// registered factory. Unregistered type names are an error, never executed.
func (r *Registry) Decode(frame []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version > Version {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}

	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type %q is not registered", env.Type)
	}

	v := factory()
	if err := json.Unmarshal(env.Data, v); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return v, nil
}

// Peek returns the envelope's type name and raw payload without decoding.
func Peek(frame []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env.Type, env.Data, nil
}

// typeKey derives a map key identifying a Go type.
func typeKey(v any) string {
	return fmt.Sprintf("%T", v)
}
