package attribute

import "fmt"

// Set is an ordered mapping of attribute key to Attribute.
//
// Insertion order is preserved and drives the order of detected bindings.
type Set struct {
	order []string
	byKey map[string]*Attribute
}

// NewSet builds a Set from attrs in the given order. A repeated key replaces
// the earlier definition but keeps its position.
func NewSet(attrs ...Attribute) *Set {
	s := &Set{byKey: make(map[string]*Attribute, len(attrs))}
	for _, a := range attrs {
		s.Put(a)
	}
	return s
}

// Put adds or replaces an attribute.
func (s *Set) Put(a Attribute) {
	if s.byKey == nil {
		s.byKey = make(map[string]*Attribute)
	}
	c := a.Clone()
	if _, exists := s.byKey[a.Key]; !exists {
		s.order = append(s.order, a.Key)
	}
	s.byKey[a.Key] = &c
}

// Len returns the number of attributes.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Keys returns attribute keys in order.
func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return keys
}

// Get returns a copy of the attribute for key.
func (s *Set) Get(key string) (Attribute, bool) {
	if s == nil {
		return Attribute{}, false
	}
	a, ok := s.byKey[key]
	if !ok {
		return Attribute{}, false
	}
	return a.Clone(), true
}

// All returns copies of every attribute in order.
func (s *Set) All() []Attribute {
	if s == nil {
		return nil
	}
	out := make([]Attribute, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byKey[k].Clone())
	}
	return out
}

// Value returns the current value for key. ok is false when the key is
// unknown or has not been observed yet.
func (s *Set) Value(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	a, ok := s.byKey[key]
	if !ok || a.Value == nil {
		return nil, false
	}
	return a.Value, true
}

// Values returns all observed values keyed by attribute key.
func (s *Set) Values() map[string]any {
	out := make(map[string]any, s.Len())
	if s == nil {
		return out
	}
	for _, k := range s.order {
		if v := s.byKey[k].Value; v != nil {
			out[k] = v
		}
	}
	return out
}

// SetValue normalises v and stores it. It reports whether the stored value
// changed. The Set is left untouched on error.
func (s *Set) SetValue(key string, v any) (bool, error) {
	a, ok := s.byKey[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAttribute, key)
	}
	n, err := a.Normalize(v)
	if err != nil {
		return false, err
	}
	if a.Value != nil && a.Equal(a.Value, n) {
		return false, nil
	}
	a.Value = n
	return true, nil
}

// Normalize checks v against the domain of key without storing it.
func (s *Set) Normalize(key string, v any) (any, error) {
	a, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, key)
	}
	return a.Normalize(v)
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	if s == nil {
		return NewSet()
	}
	return NewSet(s.All()...)
}

// SameShape reports whether both sets hold the same keys with the same
// domains, ignoring values. Detection only needs to re-run when it is false.
func (s *Set) SameShape(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for _, k := range s.order {
		b, ok := o.byKey[k]
		if !ok || !s.byKey[k].SameDomain(b) {
			return false
		}
	}
	return true
}
