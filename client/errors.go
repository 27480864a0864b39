package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoResponse is returned when the response envelope decoded fine but
	// none of its bodies answers the request's correlation id.
	ErrNoResponse = errors.New("no response body matches the request")

	// ErrEmptyServicePath is returned by calls without a service path.
	ErrEmptyServicePath = errors.New("empty service path")
)

// TransportError reports a failed HTTP exchange. Err is the transport's error:
// a connection failure, *transport.StatusError, middleware.ErrTimeout and so on.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("amf exchange with %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CodecError reports an envelope that could not be encoded ("encode") or
// decoded ("decode").
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("amf %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
