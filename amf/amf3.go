package amf

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// AMF3 type markers.
const (
	amf3Undefined    byte = 0x00
	amf3Null         byte = 0x01
	amf3False        byte = 0x02
	amf3True         byte = 0x03
	amf3Integer      byte = 0x04
	amf3Double       byte = 0x05
	amf3String       byte = 0x06
	amf3XMLDoc       byte = 0x07
	amf3Date         byte = 0x08
	amf3Array        byte = 0x09
	amf3Object       byte = 0x0A
	amf3XML          byte = 0x0B
	amf3ByteArray    byte = 0x0C
	amf3VectorInt    byte = 0x0D
	amf3VectorUint   byte = 0x0E
	amf3VectorDouble byte = 0x0F
	amf3VectorObject byte = 0x10
	amf3Dictionary   byte = 0x11
)

// Range of the AMF3 29-bit signed integer.
const (
	minInt29 = -1 << 28
	maxInt29 = 1<<28 - 1
)

// Externalizable classes the decoder understands. Both wrap exactly one
// AMF3 value.
const (
	ArrayCollectionClass = "flex.messaging.io.ArrayCollection"
	ObjectProxyClass     = "flex.messaging.io.ObjectProxy"
)

// Encoder3 writes AMF3 values. Strings are written by reference once seen, so
// an encoder must be used for exactly one AMF3 context (one envelope body).
type Encoder3 struct {
	w       writer
	strings map[string]uint32
	objects map[any]int // identity → object reference index
	next    int         // index the next complex value gets on the decoding side
}

// NewEncoder3 returns an AMF3 encoder writing to w.
func NewEncoder3(w io.Writer) *Encoder3 {
	return &Encoder3{w: writer{w: w}, strings: make(map[string]uint32), objects: make(map[any]int)}
}

// Encode writes v as a single AMF3 value.
func (e *Encoder3) Encode(v any) error {
	id := identity(v)
	if id != nil {
		if idx, ok := e.objects[id]; ok {
			return e.writeReference(v, idx)
		}
	}
	n, err := normalize(v)
	if err != nil {
		return err
	}
	switch t := n.(type) {
	case nil:
		return e.w.writeByte(amf3Null)
	case Undefined:
		return e.w.writeByte(amf3Undefined)
	case bool:
		if t {
			return e.w.writeByte(amf3True)
		}
		return e.w.writeByte(amf3False)
	case int64:
		if t >= minInt29 && t <= maxInt29 {
			if err := e.w.writeByte(amf3Integer); err != nil {
				return err
			}
			return e.writeU29(uint32(t))
		}
		return e.writeDouble(float64(t))
	case float64:
		return e.writeDouble(t)
	case string:
		if err := e.w.writeByte(amf3String); err != nil {
			return err
		}
		return e.writeString(t)
	case time.Time:
		e.begin(id)
		if err := e.w.writeByte(amf3Date); err != nil {
			return err
		}
		if err := e.writeU29(1); err != nil {
			return err
		}
		return e.w.writeFloat64(float64(t.UnixMilli()))
	case []byte:
		e.begin(id)
		if err := e.w.writeByte(amf3ByteArray); err != nil {
			return err
		}
		if err := e.writeU29(uint32(len(t))<<1 | 1); err != nil {
			return err
		}
		return e.w.write(t)
	case []any:
		return e.writeArray(t, id)
	case *Object:
		return e.writeObject(t, id)
	}
	return &UnsupportedTypeError{Value: v}
}

func (e *Encoder3) writeDouble(f float64) error {
	if err := e.w.writeByte(amf3Double); err != nil {
		return err
	}
	return e.w.writeFloat64(f)
}

func (e *Encoder3) writeU29(v uint32) error {
	v &= 0x1FFFFFFF
	switch {
	case v < 0x80:
		return e.w.writeByte(byte(v))
	case v < 0x4000:
		return e.w.write([]byte{byte(v>>7) | 0x80, byte(v & 0x7F)})
	case v < 0x200000:
		return e.w.write([]byte{byte(v>>14) | 0x80, byte(v>>7)&0x7F | 0x80, byte(v & 0x7F)})
	}
	return e.w.write([]byte{byte(v>>22) | 0x80, byte(v>>15)&0x7F | 0x80, byte(v>>8)&0x7F | 0x80, byte(v)})
}

// writeString writes a UTF-8-vr: by reference when s was written before,
// inline otherwise. The empty string is always inline and never referenced.
func (e *Encoder3) writeString(s string) error {
	if s == "" {
		return e.writeU29(1)
	}
	if idx, ok := e.strings[s]; ok {
		return e.writeU29(idx << 1)
	}
	if len(s) > maxInt29 {
		return fmt.Errorf("amf3: string of %d bytes is too long", len(s))
	}
	e.strings[s] = uint32(len(e.strings))
	if err := e.writeU29(uint32(len(s))<<1 | 1); err != nil {
		return err
	}
	return e.w.write([]byte(s))
}

// begin numbers the complex value about to be written the way the decoder
// will, and remembers id for later references.
func (e *Encoder3) begin(id any) {
	if id != nil && e.next <= maxInt29 {
		e.objects[id] = e.next
	}
	e.next++
}

// writeReference writes a reference to the idx-th complex value. The marker
// only matters to readers that check it; the index resolves the value.
func (e *Encoder3) writeReference(v any, idx int) error {
	marker := amf3Object
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		marker = amf3Array
		if _, ok := v.([]byte); ok {
			marker = amf3ByteArray
		}
	}
	if err := e.w.writeByte(marker); err != nil {
		return err
	}
	return e.writeU29(uint32(idx) << 1)
}

func (e *Encoder3) writeArray(arr []any, id any) error {
	e.begin(id)
	if err := e.w.writeByte(amf3Array); err != nil {
		return err
	}
	if err := e.writeU29(uint32(len(arr))<<1 | 1); err != nil {
		return err
	}
	// empty associative part
	if err := e.writeString(""); err != nil {
		return err
	}
	for _, v := range arr {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder3) writeObject(o *Object, id any) error {
	e.begin(id)
	if err := e.w.writeByte(amf3Object); err != nil {
		return err
	}
	keys := make([]string, 0, len(o.Keys))
	for _, k := range o.Keys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	if o.Class == "" {
		// inline object, inline traits, dynamic, no sealed members
		if err := e.writeU29(0x0B); err != nil {
			return err
		}
		if err := e.writeString(""); err != nil {
			return err
		}
		for _, k := range keys {
			if err := e.writeString(k); err != nil {
				return err
			}
			if err := e.Encode(o.Values[k]); err != nil {
				return errors.Wrapf(err, "property %q", k)
			}
		}
		return e.writeString("")
	}

	// inline object, inline traits, sealed members only
	if err := e.writeU29(uint32(len(keys))<<4 | 0x03); err != nil {
		return err
	}
	if err := e.writeString(o.Class); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.writeString(k); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := e.Encode(o.Values[k]); err != nil {
			return errors.Wrapf(err, "%s.%s", o.Class, k)
		}
	}
	return nil
}

type traits struct {
	class          string
	externalizable bool
	dynamic        bool
	members        []string
}

// Decoder3 reads AMF3 values, keeping the string, object and trait reference
// tables of one AMF3 context.
type Decoder3 struct {
	r       reader
	strings []string
	objects []any
	traits  []*traits
}

// NewDecoder3 returns an AMF3 decoder reading from r.
func NewDecoder3(r io.Reader) *Decoder3 {
	return &Decoder3{r: reader{r: r}}
}

func (d *Decoder3) readU29() (uint32, error) {
	var v uint32
	for i := 0; i < 3; i++ {
		b, err := d.r.readByte()
		if err != nil {
			return 0, err
		}
		if b&0x80 == 0 {
			return v<<7 | uint32(b), nil
		}
		v = v<<7 | uint32(b&0x7F)
	}
	b, err := d.r.readByte()
	if err != nil {
		return 0, err
	}
	return v<<8 | uint32(b), nil
}

func (d *Decoder3) readString() (string, error) {
	ref, err := d.readU29()
	if err != nil {
		return "", err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.strings) {
			return "", fmt.Errorf("amf3: string reference %d out of range (%d known)", idx, len(d.strings))
		}
		return d.strings[idx], nil
	}
	n := int(ref >> 1)
	if n == 0 {
		return "", nil
	}
	b, err := d.r.readBytes(n)
	if err != nil {
		return "", err
	}
	s := string(b)
	d.strings = append(d.strings, s)
	return s, nil
}

// objectRef reads the U29 reference header shared by complex types. When the
// value is a reference, ok is false and v holds the referenced value.
func (d *Decoder3) objectRef() (header uint32, v any, ok bool, err error) {
	ref, err := d.readU29()
	if err != nil {
		return 0, nil, false, err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(d.objects) {
			return 0, nil, false, fmt.Errorf("amf3: object reference %d out of range (%d known)", idx, len(d.objects))
		}
		return 0, d.objects[idx], false, nil
	}
	return ref >> 1, nil, true, nil
}

// Decode reads a single AMF3 value.
func (d *Decoder3) Decode() (any, error) {
	marker, err := d.r.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf3Undefined:
		return Undefined{}, nil
	case amf3Null:
		return nil, nil
	case amf3False:
		return false, nil
	case amf3True:
		return true, nil
	case amf3Integer:
		u, err := d.readU29()
		if err != nil {
			return nil, err
		}
		if u&0x10000000 != 0 {
			return int(u) - 0x20000000, nil
		}
		return int(u), nil
	case amf3Double:
		return d.r.readFloat64()
	case amf3String:
		return d.readString()
	case amf3XMLDoc, amf3XML:
		n, ref, inline, err := d.objectRef()
		if err != nil || !inline {
			return ref, err
		}
		b, err := d.r.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		s := string(b)
		d.objects = append(d.objects, s)
		return s, nil
	case amf3Date:
		_, ref, inline, err := d.objectRef()
		if err != nil || !inline {
			return ref, err
		}
		ms, err := d.r.readFloat64()
		if err != nil {
			return nil, err
		}
		t := time.UnixMilli(int64(ms)).UTC()
		d.objects = append(d.objects, t)
		return t, nil
	case amf3ByteArray:
		n, ref, inline, err := d.objectRef()
		if err != nil || !inline {
			return ref, err
		}
		b, err := d.r.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		d.objects = append(d.objects, b)
		return b, nil
	case amf3Array:
		return d.readArray()
	case amf3Object:
		return d.readObject()
	case amf3VectorInt, amf3VectorUint, amf3VectorDouble, amf3VectorObject:
		return d.readVector(marker)
	}
	return nil, &UnknownMarkerError{Version: 3, Marker: marker}
}

func (d *Decoder3) readArray() (any, error) {
	n, ref, inline, err := d.objectRef()
	if err != nil || !inline {
		return ref, err
	}
	idx := len(d.objects)
	d.objects = append(d.objects, nil)

	key, err := d.readString()
	if err != nil {
		return nil, err
	}
	if key == "" {
		arr := make([]any, 0, prealloc(int(n)))
		for i := uint32(0); i < n; i++ {
			v, err := d.Decode()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		d.objects[idx] = arr
		return arr, nil
	}

	// associative portion present: keep everything in one ordered object
	o := NewObject("")
	d.objects[idx] = o
	for key != "" {
		v, err := d.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "array key %q", key)
		}
		o.Set(key, v)
		if key, err = d.readString(); err != nil {
			return nil, err
		}
	}
	for i := uint32(0); i < n; i++ {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		o.Set(strconv.Itoa(int(i)), v)
	}
	return o, nil
}

func (d *Decoder3) readTraits(header uint32) (*traits, error) {
	if header&1 == 0 {
		idx := int(header >> 1)
		if idx >= len(d.traits) {
			return nil, fmt.Errorf("amf3: traits reference %d out of range (%d known)", idx, len(d.traits))
		}
		return d.traits[idx], nil
	}
	t := &traits{
		externalizable: header&2 != 0,
		dynamic:        header&4 != 0,
	}
	count := int(header >> 3)
	class, err := d.readString()
	if err != nil {
		return nil, err
	}
	t.class = class
	t.members = make([]string, 0, prealloc(count))
	for i := 0; i < count; i++ {
		m, err := d.readString()
		if err != nil {
			return nil, err
		}
		t.members = append(t.members, m)
	}
	d.traits = append(d.traits, t)
	return t, nil
}

func (d *Decoder3) readObject() (any, error) {
	header, ref, inline, err := d.objectRef()
	if err != nil || !inline {
		return ref, err
	}
	t, err := d.readTraits(header)
	if err != nil {
		return nil, err
	}
	idx := len(d.objects)
	d.objects = append(d.objects, nil)

	if t.externalizable {
		switch t.class {
		case ArrayCollectionClass, ObjectProxyClass:
			v, err := d.Decode()
			if err != nil {
				return nil, errors.Wrap(err, t.class)
			}
			d.objects[idx] = v
			return v, nil
		}
		return nil, fmt.Errorf("amf3: unsupported externalizable class %q", t.class)
	}

	o := NewObject(t.class)
	d.objects[idx] = o
	for _, m := range t.members {
		v, err := d.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "property %q", m)
		}
		o.Set(m, v)
	}
	if t.dynamic {
		for {
			k, err := d.readString()
			if err != nil {
				return nil, err
			}
			if k == "" {
				break
			}
			v, err := d.Decode()
			if err != nil {
				return nil, errors.Wrapf(err, "property %q", k)
			}
			o.Set(k, v)
		}
	}
	return o, nil
}

func (d *Decoder3) readVector(marker byte) (any, error) {
	n, ref, inline, err := d.objectRef()
	if err != nil || !inline {
		return ref, err
	}
	// fixed-length flag
	if _, err := d.r.readByte(); err != nil {
		return nil, err
	}
	idx := len(d.objects)
	d.objects = append(d.objects, nil)
	if marker == amf3VectorObject {
		if _, err := d.readString(); err != nil {
			return nil, err
		}
	}
	arr := make([]any, 0, prealloc(int(n)))
	for i := uint32(0); i < n; i++ {
		var v any
		switch marker {
		case amf3VectorInt:
			u, err := d.r.readUint32()
			if err != nil {
				return nil, err
			}
			v = int(int32(u))
		case amf3VectorUint:
			u, err := d.r.readUint32()
			if err != nil {
				return nil, err
			}
			v = int(u)
		case amf3VectorDouble:
			f, err := d.r.readFloat64()
			if err != nil {
				return nil, err
			}
			v = f
		default:
			if v, err = d.Decode(); err != nil {
				return nil, err
			}
		}
		arr = append(arr, v)
	}
	d.objects[idx] = arr
	return arr, nil
}
