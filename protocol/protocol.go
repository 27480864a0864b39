// Package protocol implements AMF packet framing: the envelope layout that
// wraps AMF-encoded header and body values.
//
// Packet format:
//
//	┌─────────┬──────────┬───────────────────────────────────────────────┐
//	│ version │ hdrCount │ header × hdrCount                             │
//	│  u16    │   u16    │ name(u16+utf8) mustUnderstand(u8) len(u32) v  │
//	├─────────┴──────────┼───────────────────────────────────────────────┤
//	│ bodyCount (u16)    │ body × bodyCount                              │
//	│                    │ target(u16+utf8) response(u16+utf8) len(u32) v│
//	└────────────────────┴───────────────────────────────────────────────┘
//
// Header values are always AMF0. In a version 3 packet body values are
// written as the AMF0 "switch to AMF3" marker followed by an AMF3 value.
// Reference tables start empty for every header and body.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"

	"amf-rpc/amf"
	"amf-rpc/message"
)

const (
	Version0 uint16 = 0 // AMF0 packet
	Version1 uint16 = 1 // AMF0 packet written by old Flash Communication Server clients
	Version3 uint16 = 3 // packet whose bodies may switch to AMF3
)

// Encode writes env to w. Value lengths are computed by encoding each value
// into a scratch buffer first.
func Encode(w io.Writer, env *message.Envelope) error {
	if env.Version != Version0 && env.Version != Version3 {
		return fmt.Errorf("unsupported version: %d", env.Version)
	}
	if len(env.Headers) > math.MaxUint16 || len(env.Bodies) > math.MaxUint16 {
		return fmt.Errorf("too many headers (%d) or bodies (%d)", len(env.Headers), len(env.Bodies))
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], env.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(env.Headers)))
	if _, err := w.Write(buf); err != nil {
		return err
	}

	var scratch bytes.Buffer
	for i, h := range env.Headers {
		scratch.Reset()
		if err := amf.NewEncoder(&scratch).Encode(h.Value); err != nil {
			return errors.Wrapf(err, "encoding header %d (%s)", i, h.Name)
		}
		if err := amf.WriteUTF(w, h.Name); err != nil {
			return err
		}
		var must byte
		if h.MustUnderstand {
			must = 1
		}
		if _, err := w.Write([]byte{must}); err != nil {
			return err
		}
		if err := writeValue(w, scratch.Bytes()); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(len(env.Bodies)))
	if _, err := w.Write(buf[0:2]); err != nil {
		return err
	}
	for i, b := range env.Bodies {
		scratch.Reset()
		enc := amf.NewEncoder(&scratch)
		var err error
		if env.Version == Version3 {
			err = enc.EncodeAMF3(b.Value)
		} else {
			err = enc.Encode(b.Value)
		}
		if err != nil {
			return errors.Wrapf(err, "encoding body %d (%s)", i, b.Target)
		}
		if err := amf.WriteUTF(w, b.Target); err != nil {
			return err
		}
		if err := amf.WriteUTF(w, b.Response); err != nil {
			return err
		}
		if err := writeValue(w, scratch.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func writeValue(w io.Writer, v []byte) error {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(v)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

// Decode reads one packet from r. The declared value lengths are not trusted;
// values are self-delimiting and are decoded in place.
func Decode(r io.Reader) (*message.Envelope, error) {
	// Step 1: version
	version, err := readUint16(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading version")
	}
	if version != Version0 && version != Version1 && version != Version3 {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}
	env := message.NewEnvelope(version)
	dec := amf.NewDecoder(r)

	// Step 2: headers
	count, err := readUint16(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading header count")
	}
	for i := 0; i < int(count); i++ {
		var h message.Header
		if h.Name, err = amf.ReadUTF(r); err != nil {
			return nil, errors.Wrapf(err, "reading header %d name", i)
		}
		var must [1]byte
		if _, err := io.ReadFull(r, must[:]); err != nil {
			return nil, errors.Wrapf(err, "reading header %d", i)
		}
		h.MustUnderstand = must[0] != 0
		if _, err := readUint32(r); err != nil {
			return nil, errors.Wrapf(err, "reading header %d length", i)
		}
		dec.Reset()
		if h.Value, err = dec.Decode(); err != nil {
			return nil, errors.Wrapf(err, "decoding header %d (%s)", i, h.Name)
		}
		env.AddHeader(h)
	}

	// Step 3: bodies
	if count, err = readUint16(r); err != nil {
		return nil, errors.Wrap(err, "reading body count")
	}
	for i := 0; i < int(count); i++ {
		var b message.Body
		if b.Target, err = amf.ReadUTF(r); err != nil {
			return nil, errors.Wrapf(err, "reading body %d target", i)
		}
		if b.Response, err = amf.ReadUTF(r); err != nil {
			return nil, errors.Wrapf(err, "reading body %d response", i)
		}
		if _, err := readUint32(r); err != nil {
			return nil, errors.Wrapf(err, "reading body %d length", i)
		}
		dec.Reset()
		if b.Value, err = dec.Decode(); err != nil {
			return nil, errors.Wrapf(err, "decoding body %d (%s)", i, b.Target)
		}
		env.AddBody(b)
	}
	return env, nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
