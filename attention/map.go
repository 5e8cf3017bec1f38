// Package attention implements the side channel through which attention
// layers of the denoising network are recorded and rewritten.
//
// Every attention layer of a network routed through a Registry hands its
// weights to the active Controller. Controllers may record the weights
// (Store), rewrite them from a source prompt (Edit) or do nothing (Empty).
package attention

import (
	"fmt"
)

// Place is the location of an attention layer inside the network.
type Place string

const (
	Down Place = "down"
	Mid  Place = "mid"
	Up   Place = "up"
)

// Places lists every layer location in network order.
var Places = []Place{Down, Mid, Up}

// Key identifies one family of attention layers, e.g. "down_cross".
type Key string

func KeyFor(place Place, cross bool) Key {
	if cross {
		return Key(string(place) + "_cross")
	}
	return Key(string(place) + "_self")
}

// Cross reports whether k names cross-attention layers.
func (k Key) Cross() bool {
	return len(k) > 6 && k[len(k)-6:] == "_cross"
}

// Map holds attention weights laid out as [rows, queries, keys] where rows
// is batch × heads.
type Map struct {
	Rows    int       `cbor:"rows"`
	Queries int       `cbor:"queries"`
	Keys    int       `cbor:"keys"`
	Data    []float32 `cbor:"data"`
}

// NewMap allocates a zeroed map.
func NewMap(rows, queries, keys int) *Map {
	return &Map{Rows: rows, Queries: queries, Keys: keys, Data: make([]float32, rows*queries*keys)}
}

func (m *Map) Clone() *Map {
	c := *m
	c.Data = append([]float32(nil), m.Data...)
	return &c
}

func (m *Map) String() string {
	return fmt.Sprintf("attention[%d %d %d]", m.Rows, m.Queries, m.Keys)
}

func (m *Map) rowSize() int { return m.Queries * m.Keys }

// At returns weight (row, query, key).
func (m *Map) At(r, q, k int) float32 {
	return m.Data[(r*m.Queries+q)*m.Keys+k]
}

// Rowset returns a copy of rows [start, end).
func (m *Map) Rowset(start, end int) *Map {
	out := NewMap(end-start, m.Queries, m.Keys)
	copy(out.Data, m.Data[start*m.rowSize():end*m.rowSize()])
	return out
}

// setRows overwrites rows starting at start with src.
func (m *Map) setRows(start int, src *Map) {
	copy(m.Data[start*m.rowSize():], src.Data)
}

func (m *Map) sameLayout(o *Map) bool {
	return m.Queries == o.Queries && m.Keys == o.Keys
}

// add accumulates o into m. Mismatched layouts are ignored.
func (m *Map) add(o *Map) {
	if m.Rows != o.Rows || !m.sameLayout(o) {
		return
	}
	for i, v := range o.Data {
		m.Data[i] += v
	}
}

// StepMaps is the set of maps recorded during one denoising step, in layer
// order per key.
type StepMaps map[Key][]*Map

func emptyStepMaps() StepMaps {
	return StepMaps{}
}

// Layer returns the map recorded for the i-th invocation of key, or nil.
func (s StepMaps) Layer(key Key, i int) *Map {
	maps := s[key]
	if i < 0 || i >= len(maps) {
		return nil
	}
	return maps[i]
}
