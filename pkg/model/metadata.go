package model

import (
	"encoding/json"
	"fmt"
)

// Pair is a single name/value entry in Metadata.
type Pair struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Metadata is an ordered set of name/value pairs. Names are unique; setting
// an existing name replaces its value in place.
type Metadata struct {
	pairs []Pair
}

// NewMetadata builds Metadata from pairs, later duplicates overriding earlier ones.
func NewMetadata(pairs ...Pair) Metadata {
	var m Metadata
	for _, p := range pairs {
		m.Set(p.Name, p.Value)
	}
	return m
}

// MetadataFromParallel converts parallel name and value slices. Slices of
// unequal length are a defect in the caller and are rejected.
func MetadataFromParallel(names, values []string) (Metadata, error) {
	if len(names) != len(values) {
		return Metadata{}, fmt.Errorf("%w: %d names, %d values", ErrMetadataMismatch, len(names), len(values))
	}
	var m Metadata
	for i := range names {
		m.Set(names[i], values[i])
	}
	return m, nil
}

// Set adds or replaces name.
func (m *Metadata) Set(name, value string) {
	for i := range m.pairs {
		if m.pairs[i].Name == name {
			m.pairs[i].Value = value
			return
		}
	}
	m.pairs = append(m.pairs, Pair{Name: name, Value: value})
}

// Get returns the value for name.
func (m Metadata) Get(name string) (string, bool) {
	for _, p := range m.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Len returns the number of pairs.
func (m Metadata) Len() int {
	return len(m.pairs)
}

// Pairs returns a copy of the pairs in insertion order.
func (m Metadata) Pairs() []Pair {
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Merge returns a new Metadata holding m's pairs overlaid with other's.
func (m Metadata) Merge(other Metadata) Metadata {
	out := Metadata{pairs: m.Pairs()}
	for _, p := range other.pairs {
		out.Set(p.Name, p.Value)
	}
	return out
}

// Map returns the pairs as a map. Ordering is lost.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m.pairs))
	for _, p := range m.pairs {
		out[p.Name] = p.Value
	}
	return out
}

// MarshalJSON encodes Metadata as an ordered array of pairs.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.pairs)
}

// UnmarshalJSON decodes an array of pairs.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*m = NewMetadata(pairs...)
	return nil
}
