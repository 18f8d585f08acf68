package domain

import "math"

// Field describes one named feature in a snapshot record.
type Field struct {
	Name    string
	NoDelta bool // ages and completeness ratios carry no delta-from-previous
	Micro   bool // order-book/flow derived, counted by microCompleteness
}

// Schema is a fixed ordered feature field list. Snapshot records for one run all
// share one schema; delta computation walks it instead of matching field names.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema from an ordered field list. Duplicate names panic:
// the field list is assembled once at startup from configuration.
func NewSchema(fields []Field) *Schema {
	s := &Schema{
		fields: fields,
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; dup {
			panic("duplicate schema field: " + f.Name)
		}
		s.index[f.Name] = i
	}
	return s
}

// Fields returns the ordered field list.
func (s *Schema) Fields() []Field {
	return s.fields
}

// NewVector returns an empty value vector over this schema.
func (s *Schema) NewVector() *Vector {
	return &Vector{
		schema:  s,
		values:  make([]float64, len(s.fields)),
		present: make([]bool, len(s.fields)),
	}
}

// Vector holds one snapshot's feature values. A field is either present with a
// finite value or absent; absent fields are omitted from the serialized record.
type Vector struct {
	schema  *Schema
	values  []float64
	present []bool
}

// Set stores a value. Unknown names and non-finite values are dropped,
// leaving the field absent.
func (v *Vector) Set(name string, val float64) {
	i, ok := v.schema.index[name]
	if !ok || math.IsNaN(val) || math.IsInf(val, 0) {
		return
	}
	v.values[i] = val
	v.present[i] = true
}

// SetPtr stores *val when val is non-nil.
func (v *Vector) SetPtr(name string, val *float64) {
	if val != nil {
		v.Set(name, *val)
	}
}

// Get returns the value for name and whether it is present.
func (v *Vector) Get(name string) (float64, bool) {
	i, ok := v.schema.index[name]
	if !ok || !v.present[i] {
		return 0, false
	}
	return v.values[i], true
}

// Completeness returns the present ratio over delta-carrying fields
// (the actual features, excluding ages and ratios).
func (v *Vector) Completeness() float64 {
	return v.ratio(func(f Field) bool { return !f.NoDelta })
}

// MicroCompleteness returns the present ratio over micro-annotated fields.
func (v *Vector) MicroCompleteness() float64 {
	return v.ratio(func(f Field) bool { return f.Micro })
}

func (v *Vector) ratio(include func(Field) bool) float64 {
	total, got := 0, 0
	for i, f := range v.schema.fields {
		if !include(f) {
			continue
		}
		total++
		if v.present[i] {
			got++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(got) / float64(total)
}

// AppendTo copies present fields into m, prefixing each name.
func (v *Vector) AppendTo(m map[string]any, prefix string) {
	for i, f := range v.schema.fields {
		if v.present[i] {
			m[prefix+f.Name] = v.values[i]
		}
	}
}

// Deltas returns current − previous over the shared schema. A delta is present
// only when the field carries deltas and both vectors have it. prev may be nil
// (first snapshot), yielding an all-absent vector.
func (s *Schema) Deltas(cur, prev *Vector) *Vector {
	out := s.NewVector()
	if cur == nil || prev == nil {
		return out
	}
	for i, f := range s.fields {
		if f.NoDelta || !cur.present[i] || !prev.present[i] {
			continue
		}
		out.values[i] = cur.values[i] - prev.values[i]
		out.present[i] = true
	}
	return out
}
