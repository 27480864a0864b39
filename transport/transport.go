// Package transport carries serialized envelopes to a gateway over HTTP.
//
// One call is one POST: the request bytes go out and the response bytes come
// back. There is no retry and no multiplexing; each Exchange blocks until the
// response is read, the context is done or the timeout expires.
//
//	client ──Exchange(req)──► POST req.URL  (Content-Type: application/x-amf)
//	       ◄──── bytes ─────  200 OK
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Request describes one HTTP exchange.
type Request struct {
	URL         string
	ServicePath string   // the call being carried; used for logging and metrics
	Header      []string // "Name: value" lines, sent in order
	Body        []byte
	Proxy       string // host:port or URL; empty means the environment's proxy settings
	UserAgent   string
	Timeout     time.Duration // zero means no transport-level limit
}

// Transport sends a request body and returns the response body.
type Transport interface {
	Exchange(ctx context.Context, req *Request) ([]byte, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f TransportFunc) Exchange(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %s", e.URL, e.Status)
}

// ParseHeaderLine splits "Name: value" into its parts.
func ParseHeaderLine(line string) (name, value string, err error) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	name = strings.TrimSpace(line[:i])
	if name == "" {
		return "", "", fmt.Errorf("malformed header line %q", line)
	}
	return name, strings.TrimSpace(line[i+1:]), nil
}

// HTTPTransport is the net/http implementation of Transport.
type HTTPTransport struct {
	pool *ClientPool
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{pool: NewClientPool()}
}

// Exchange POSTs req.Body to req.URL. The first Content-Type line wins so the
// envelope MIME type cannot be overridden by extra header lines.
func (t *HTTPTransport) Exchange(ctx context.Context, req *Request) ([]byte, error) {
	client, err := t.pool.Get(req.Proxy)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequest(http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrapf(err, "constructing request %s", req.URL)
	}
	httpReq = httpReq.WithContext(ctx)

	for _, line := range req.Header {
		name, value, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		if http.CanonicalHeaderKey(name) == "Content-Type" && httpReq.Header.Get("Content-Type") != "" {
			continue
		}
		httpReq.Header.Add(name, value)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
		}
	}
	return body, nil
}

// Close releases idle connections held by the transport.
func (t *HTTPTransport) Close() error {
	return t.pool.Close()
}
