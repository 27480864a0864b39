package amf

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// AMF0 type markers.
const (
	amf0Number      byte = 0x00
	amf0Boolean     byte = 0x01
	amf0String      byte = 0x02
	amf0Object      byte = 0x03
	amf0MovieClip   byte = 0x04
	amf0Null        byte = 0x05
	amf0Undefined   byte = 0x06
	amf0Reference   byte = 0x07
	amf0ECMAArray   byte = 0x08
	amf0ObjectEnd   byte = 0x09
	amf0StrictArray byte = 0x0A
	amf0Date        byte = 0x0B
	amf0LongString  byte = 0x0C
	amf0Unsupported byte = 0x0D
	amf0RecordSet   byte = 0x0E
	amf0XMLDocument byte = 0x0F
	amf0TypedObject byte = 0x10
	amf0AVMPlus     byte = 0x11 // switch to AMF3
)

// Encoder writes AMF0 values. An object or array written a second time by the
// same Encoder is written as a reference, so values that contain themselves
// can be encoded.
type Encoder struct {
	w    writer
	refs map[any]int // identity → reference index
	next int         // index the next object or array gets on the decoding side
}

// NewEncoder returns an AMF0 encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: writer{w: w}, refs: make(map[any]int)}
}

// EncodeAMF3 writes the AMF0 "switch to AMF3" marker followed by v in AMF3.
func (e *Encoder) EncodeAMF3(v any) error {
	if err := e.w.writeByte(amf0AVMPlus); err != nil {
		return err
	}
	return NewEncoder3(e.w.w).Encode(v)
}

// Encode writes v as a single AMF0 value.
func (e *Encoder) Encode(v any) error {
	id := identity(v)
	if id != nil {
		if idx, ok := e.refs[id]; ok {
			return e.writeReference(idx)
		}
	}
	n, err := normalize(v)
	if err != nil {
		return err
	}
	switch t := n.(type) {
	case nil:
		return e.w.writeByte(amf0Null)
	case Undefined:
		return e.w.writeByte(amf0Undefined)
	case bool:
		if err := e.w.writeByte(amf0Boolean); err != nil {
			return err
		}
		if t {
			return e.w.writeByte(1)
		}
		return e.w.writeByte(0)
	case int64:
		return e.writeNumber(float64(t))
	case float64:
		return e.writeNumber(t)
	case string:
		return e.writeString(t)
	case time.Time:
		if err := e.w.writeByte(amf0Date); err != nil {
			return err
		}
		if err := e.w.writeFloat64(float64(t.UnixMilli())); err != nil {
			return err
		}
		return e.w.writeUint16(0)
	case []byte:
		arr := make([]any, len(t))
		for i, b := range t {
			arr[i] = int64(b)
		}
		return e.writeArray(arr, id)
	case []any:
		return e.writeArray(t, id)
	case *Object:
		return e.writeObject(t, id)
	}
	return &UnsupportedTypeError{Value: v}
}

func (e *Encoder) writeNumber(f float64) error {
	if err := e.w.writeByte(amf0Number); err != nil {
		return err
	}
	return e.w.writeFloat64(f)
}

func (e *Encoder) writeString(s string) error {
	if len(s) > math.MaxUint16 {
		if err := e.w.writeByte(amf0LongString); err != nil {
			return err
		}
		if err := e.w.writeUint32(uint32(len(s))); err != nil {
			return err
		}
		return e.w.write([]byte(s))
	}
	if err := e.w.writeByte(amf0String); err != nil {
		return err
	}
	return e.writeUTF(s)
}

// writeUTF writes a u16-length prefixed string without type marker.
func (e *Encoder) writeUTF(s string) error {
	return WriteUTF(e.w.w, s)
}

// begin numbers the object or array about to be written the way the decoder
// will, and remembers id for later references.
func (e *Encoder) begin(id any) {
	if id != nil && e.next <= math.MaxUint16 {
		e.refs[id] = e.next
	}
	e.next++
}

func (e *Encoder) writeReference(idx int) error {
	if err := e.w.writeByte(amf0Reference); err != nil {
		return err
	}
	return e.w.writeUint16(uint16(idx))
}

func (e *Encoder) writeArray(arr []any, id any) error {
	e.begin(id)
	if err := e.w.writeByte(amf0StrictArray); err != nil {
		return err
	}
	if err := e.w.writeUint32(uint32(len(arr))); err != nil {
		return err
	}
	for _, v := range arr {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeObject(o *Object, id any) error {
	e.begin(id)
	if o.Class != "" {
		if err := e.w.writeByte(amf0TypedObject); err != nil {
			return err
		}
		if err := e.writeUTF(o.Class); err != nil {
			return err
		}
	} else if err := e.w.writeByte(amf0Object); err != nil {
		return err
	}
	for _, k := range o.Keys {
		if k == "" {
			continue
		}
		if err := e.writeUTF(k); err != nil {
			return err
		}
		if err := e.Encode(o.Values[k]); err != nil {
			return errors.Wrapf(err, "property %q", k)
		}
	}
	if err := e.w.writeUint16(0); err != nil {
		return err
	}
	return e.w.writeByte(amf0ObjectEnd)
}

// WriteUTF writes s as a u16-length prefixed UTF-8 string, the form AMF
// packets use for header names and body targets.
func WriteUTF(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("amf0: string of %d bytes exceeds u16 length", len(s))
	}
	wr := writer{w: w}
	if err := wr.writeUint16(uint16(len(s))); err != nil {
		return err
	}
	return wr.write([]byte(s))
}

// ReadUTF reads a u16-length prefixed UTF-8 string.
func ReadUTF(r io.Reader) (string, error) {
	rd := reader{r: r}
	return rd.readUTF()
}

func (r *reader) readUTF() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decoder reads AMF0 values. Object references are shared by every value
// decoded until Reset is called.
type Decoder struct {
	r    reader
	refs []any
}

// NewDecoder returns an AMF0 decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: reader{r: r}}
}

// Reset clears the reference table.
func (d *Decoder) Reset() {
	d.refs = d.refs[:0]
}

// Decode reads a single AMF0 value. An AVM+ marker switches to AMF3 for the
// value that follows it.
func (d *Decoder) Decode() (any, error) {
	marker, err := d.r.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case amf0Number:
		return d.r.readFloat64()
	case amf0Boolean:
		b, err := d.r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case amf0String:
		return d.r.readUTF()
	case amf0LongString, amf0XMLDocument:
		n, err := d.r.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := d.r.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case amf0Object:
		o := NewObject("")
		d.refs = append(d.refs, o)
		return o, d.readProperties(o)
	case amf0TypedObject:
		class, err := d.r.readUTF()
		if err != nil {
			return nil, err
		}
		o := NewObject(class)
		d.refs = append(d.refs, o)
		return o, d.readProperties(o)
	case amf0ECMAArray:
		// The count is a hint only; the property list is terminated the
		// same way as an object's.
		if _, err := d.r.readUint32(); err != nil {
			return nil, err
		}
		o := NewObject("")
		d.refs = append(d.refs, o)
		return o, d.readProperties(o)
	case amf0StrictArray:
		n, err := d.r.readUint32()
		if err != nil {
			return nil, err
		}
		idx := len(d.refs)
		d.refs = append(d.refs, nil)
		arr := make([]any, 0, prealloc(int(n)))
		for i := uint32(0); i < n; i++ {
			v, err := d.Decode()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		d.refs[idx] = arr
		return arr, nil
	case amf0Reference:
		idx, err := d.r.readUint16()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(d.refs) {
			return nil, fmt.Errorf("amf0: reference %d out of range (%d known)", idx, len(d.refs))
		}
		return d.refs[idx], nil
	case amf0Date:
		ms, err := d.r.readFloat64()
		if err != nil {
			return nil, err
		}
		if _, err := d.r.readUint16(); err != nil {
			return nil, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case amf0Null:
		return nil, nil
	case amf0Undefined, amf0Unsupported:
		return Undefined{}, nil
	case amf0AVMPlus:
		return NewDecoder3(d.r.r).Decode()
	}
	return nil, &UnknownMarkerError{Version: 0, Marker: marker}
}

func (d *Decoder) readProperties(o *Object) error {
	for {
		k, err := d.r.readUTF()
		if err != nil {
			return err
		}
		if k == "" {
			end, err := d.r.readByte()
			if err != nil {
				return err
			}
			if end != amf0ObjectEnd {
				return fmt.Errorf("amf0: expected object end marker, got 0x%02x", end)
			}
			return nil
		}
		v, err := d.Decode()
		if err != nil {
			return errors.Wrapf(err, "property %q", k)
		}
		o.Set(k, v)
	}
}
