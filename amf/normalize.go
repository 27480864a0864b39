package amf

import (
	"math"
	"reflect"
	"strings"
	"time"
)

// normalize maps an arbitrary Go value onto the small set of kinds the
// encoders know: nil, Undefined, bool, int64, float64, string, time.Time,
// []byte, []any and *Object.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, Undefined, bool, string, float64, int64, time.Time, []byte, []any:
		return v, nil
	case *Object:
		if t == nil {
			return nil, nil
		}
		return t, nil
	case Object:
		return &t, nil
	case float32:
		return float64(t), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return unsigned(uint64(t)), nil
	case uint64:
		return unsigned(t), nil
	case map[string]any:
		return FromMap(t), nil
	case Marshaler:
		rv := reflect.ValueOf(t)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, nil
		}
		return t.MarshalAMF(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return FromMap(m), nil
	case reflect.Struct:
		return structObject(rv), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return unsigned(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, &UnsupportedTypeError{Value: v}
}

func unsigned(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// structObject maps the exported fields of a struct onto an anonymous object
// in declaration order. The `amf:"name"` tag renames a field, `amf:"-"` skips it.
func structObject(rv reflect.Value) *Object {
	o := NewObject("")
	typ := rv.Type()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("amf"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		o.Set(name, rv.Field(i).Interface())
	}
	return o
}

type identityKey struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

// identity names the storage behind a pointer, map or non-empty slice, so
// that a value met a second time is written as a reference. Other values
// have no identity and yield nil.
func identity(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map:
		if !rv.IsNil() {
			return identityKey{typ: rv.Type(), ptr: rv.Pointer()}
		}
	case reflect.Slice:
		if rv.Len() > 0 {
			return identityKey{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}
		}
	}
	return nil
}
