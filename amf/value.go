// Package amf implements the Action Message Format value encodings used by
// the remoting envelope: AMF0 (the legacy format) and AMF3 (the format Flash
// Player 9+ and Flex use), including the AMF0 "switch to AMF3" marker.
//
// Decoded values map onto Go as follows:
//
//	AMF null               → nil
//	AMF undefined          → Undefined{}
//	boolean                → bool
//	AMF0 number, AMF3 double → float64
//	AMF3 integer           → int
//	string, XML            → string
//	date                   → time.Time (UTC)
//	strict/dense array     → []any
//	object, ECMA array, typed object, associative array → *Object
//	AMF3 byte array        → []byte
package amf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Undefined is the AMF undefined value.
type Undefined struct{}

// Marshaler is implemented by Go types that encode themselves as an AMF object,
// typically a typed (class-aliased) object.
type Marshaler interface {
	MarshalAMF() *Object
}

// Object is an ordered AMF object. Class is empty for anonymous objects.
type Object struct {
	Class  string
	Keys   []string
	Values map[string]any
}

// NewObject returns an empty object with the given class alias.
func NewObject(class string) *Object {
	return &Object{Class: class, Values: make(map[string]any)}
}

// Set stores v under key k. New keys are appended to the key order; existing
// keys keep their position.
func (o *Object) Set(k string, v any) *Object {
	if o.Values == nil {
		o.Values = make(map[string]any)
	}
	if _, ok := o.Values[k]; !ok {
		o.Keys = append(o.Keys, k)
	}
	o.Values[k] = v
	return o
}

// Get returns the value stored under k.
func (o *Object) Get(k string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Values[k]
	return v, ok
}

// String returns the string stored under k, or "" when k is missing or not a string.
func (o *Object) String(k string) string {
	v, _ := o.Get(k)
	s, _ := v.(string)
	return s
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Keys)
}

// MarshalJSON writes the object as a JSON object in key order. Decoded values
// can contain themselves through references; such a value is an error.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := appendJSON(&buf, o, make(map[any]bool)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrCyclicValue is returned by MarshalJSON for a value that contains itself.
var ErrCyclicValue = errors.New("amf: value contains itself")

// appendJSON writes v, tracking the objects and arrays on the current path in
// open.
func appendJSON(buf *bytes.Buffer, v any, open map[any]bool) error {
	switch t := v.(type) {
	case Undefined:
		buf.WriteString("null")
		return nil
	case *Object:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		if open[t] {
			return ErrCyclicValue
		}
		open[t] = true
		defer delete(open, t)

		buf.WriteByte('{')
		for i, k := range t.Keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := appendJSON(buf, t.Values[k], open); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		if id := identity(t); id != nil {
			if open[id] {
				return ErrCyclicValue
			}
			open[id] = true
			defer delete(open, id)
		}
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendJSON(buf, e, open); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// FromMap builds an anonymous object from m with keys in sorted order, so
// that encoding a Go map is deterministic.
func FromMap(m map[string]any) *Object {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o := NewObject("")
	for _, k := range keys {
		o.Set(k, m[k])
	}
	return o
}

// UnsupportedTypeError is returned when a Go value has no AMF representation.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("amf: unsupported type %T", e.Value)
}

// UnknownMarkerError is returned when the decoder meets a type marker it does
// not handle.
type UnknownMarkerError struct {
	Version int
	Marker  byte
}

func (e *UnknownMarkerError) Error() string {
	return fmt.Sprintf("amf%d: unsupported type marker 0x%02x", e.Version, e.Marker)
}
