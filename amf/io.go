package amf

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// maxPrealloc bounds allocations driven by lengths read off the wire; larger
// payloads grow as bytes actually arrive.
const maxPrealloc = 1 << 16

type reader struct {
	r   io.Reader
	buf [8]byte
}

func (r *reader) full(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.buf[:n], nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.full(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUint16() (uint16, error) {
	b, err := r.full(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.full(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) readFloat64() (float64, error) {
	b, err := r.full(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n <= maxPrealloc {
		out := make([]byte, n)
		if _, err := io.ReadFull(r.r, out); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return out, nil
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r.r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

type writer struct {
	w   io.Writer
	buf [8]byte
}

func (w *writer) write(p []byte) error {
	_, err := w.w.Write(p)
	return err
}

func (w *writer) writeByte(b byte) error {
	w.buf[0] = b
	return w.write(w.buf[:1])
}

func (w *writer) writeUint16(v uint16) error {
	binary.BigEndian.PutUint16(w.buf[:2], v)
	return w.write(w.buf[:2])
}

func (w *writer) writeUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	return w.write(w.buf[:4])
}

func (w *writer) writeFloat64(f float64) error {
	binary.BigEndian.PutUint64(w.buf[:8], math.Float64bits(f))
	return w.write(w.buf[:8])
}

func prealloc(n int) int {
	if n > maxPrealloc {
		return maxPrealloc
	}
	return n
}
