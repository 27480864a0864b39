// Package message defines the AMF remoting envelope exchanged between a client
// and a gateway.
//
// An Envelope is what the codec layer serializes and the transport POSTs:
//
//	┌─────────┬───────────────────────────────┬──────────────────────────────┐
//	│ version │ headers ...                   │ bodies ...                   │
//	│   u16   │ name, mustUnderstand, value   │ target, response, value      │
//	└─────────┴───────────────────────────────┴──────────────────────────────┘
//
//   - On request:  one body, Target is "Service.method" (or "null" when the value
//     is a RemotingMessage), Response is the correlation id "/1".
//   - On response: Target is the correlation id plus "/onResult" or "/onStatus".
package message

import "strings"

// MIMEType is the registered content type of serialized envelopes.
const MIMEType = "application/x-amf"

const (
	ResponseTarget = "/1"        // correlation id of the single request body
	NullTarget     = "null"      // request target when routing lives in a RemotingMessage
	ResultSuffix   = "/onResult" // appended to the correlation id for results
	StatusSuffix   = "/onStatus" // appended to the correlation id for faults
)

// Header is an out-of-band signal carried by an envelope, e.g. credentials or
// a gateway redirect.
type Header struct {
	Name           string
	MustUnderstand bool
	Value          any
}

// Body is one addressed call or result.
type Body struct {
	Target   string
	Response string
	Value    any
}

// Envelope is an ordered list of headers and an ordered list of bodies.
// Order is significant on the wire and is never changed.
type Envelope struct {
	Version uint16
	Headers []Header
	Bodies  []Body
}

// NewEnvelope returns an empty envelope of the given packet version (0 or 3).
func NewEnvelope(version uint16) *Envelope {
	return &Envelope{Version: version}
}

func (e *Envelope) AddHeader(h Header) {
	e.Headers = append(e.Headers, h)
}

func (e *Envelope) AddBody(b Body) {
	e.Bodies = append(e.Bodies, b)
}

// Header returns the first header named name.
func (e *Envelope) Header(name string) (Header, bool) {
	for _, h := range e.Headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// FindBody returns the first body whose target starts with prefix.
func (e *Envelope) FindBody(prefix string) (Body, bool) {
	for _, b := range e.Bodies {
		if strings.HasPrefix(b.Target, prefix) {
			return b, true
		}
	}
	return Body{}, false
}

// IsFault reports whether a response body target designates a fault.
func IsFault(target string) bool {
	return strings.HasSuffix(target, StatusSuffix)
}
