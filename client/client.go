// Package client is the AMF remoting client: it builds a request envelope for
// one call, sends it to the gateway and picks the matching result out of the
// response.
//
// Call pipeline:
//
//	Invoke → snapshot session → build envelope (wrap in RemotingMessage?)
//	  → Codec.Encode → Middleware Chain → Transport.Exchange (HTTP POST)
//	  → Codec.Decode → response header handlers → body with target "/1..."
package client

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"amf-rpc/amf"
	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/middleware"
	"amf-rpc/transport"
)

// HeaderHandler applies the effect of a response header to the client.
type HeaderHandler func(c *Client, h message.Header)

// Client talks to one AMF gateway endpoint. Configuration methods may be
// called between (and concurrently with) calls; each call works on a copy of
// the session taken when it starts.
type Client struct {
	mu       sync.Mutex
	sess     session
	handlers map[string]HeaderHandler

	transport     transport.Transport
	ownsTransport bool
	logger        *zap.Logger
	timeout       time.Duration
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // middlewares(timeout(transport))

	// set by NewDiscoveredClient
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// session is everything a call needs from the client. It is copied, never
// shared, once a call has started.
type session struct {
	endpoint    string
	encoding    message.Encoding
	headers     []message.Header
	httpHeaders []string
	proxy       string
	userAgent   string
}

func (s session) clone() session {
	s.headers = append([]message.Header(nil), s.headers...)
	s.httpHeaders = append([]string(nil), s.httpHeaders...)
	return s
}

// NewClient creates a client for the gateway at endpoint. By default calls use
// AMF0, a 60 second timeout and a net/http transport.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		sess:          session{endpoint: endpoint},
		transport:     transport.NewHTTPTransport(),
		ownsTransport: true,
		logger:        zap.NewNop(),
		timeout:       DefaultTimeout,
		handlers: map[string]HeaderHandler{
			HeaderReplaceGatewayURL:       replaceGatewayURL,
			HeaderAppendToGatewayURL:      appendToGatewayURL,
			HeaderRequestPersistentHeader: requestPersistentHeader,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	// The timeout is always innermost so it bounds the exchange only.
	mws := append(append([]middleware.Middleware(nil), c.middlewares...), middleware.TimeOutMiddleware(c.timeout))
	c.handler = middleware.Chain(mws...)(middleware.FromTransport(c.transport))
	return c
}

// Invoke calls servicePath ("Service.method") with params and returns the
// value of the first response body whose target starts with the correlation
// id. Fault bodies are returned as values too; use Call to have them turned
// into errors.
func (c *Client) Invoke(ctx context.Context, servicePath string, params any, opts ...CallOption) (any, error) {
	body, err := c.invoke(ctx, servicePath, params, opts)
	if err != nil {
		return nil, err
	}
	return body.Value, nil
}

// InvokeRaw performs the call but returns the undecoded response bytes.
// Response headers are not applied.
func (c *Client) InvokeRaw(ctx context.Context, servicePath string, params any, opts ...CallOption) ([]byte, error) {
	snap := c.snapshot()
	return c.exchange(ctx, snap, servicePath, params, opts)
}

// Call is Invoke followed by result interpretation:
//   - a body on "/1/onStatus" becomes a *message.Fault (or *message.ErrorMessage) error;
//   - an AcknowledgeMessage is unwrapped to its body;
//   - an ErrorMessage is returned as the error.
func (c *Client) Call(ctx context.Context, servicePath string, params any, opts ...CallOption) (any, error) {
	body, err := c.invoke(ctx, servicePath, params, opts)
	if err != nil {
		return nil, err
	}
	return Result(body)
}

// Result interprets a correlated response body; see Call.
func Result(body message.Body) (any, error) {
	if em, ok := message.ParseErrorMessage(body.Value); ok {
		return nil, em
	}
	if message.IsFault(body.Target) {
		if f, ok := message.ParseFault(body.Value); ok {
			return nil, f
		}
		return nil, &message.Fault{Code: "Server.Error", Description: describe(body.Value), Level: "error"}
	}
	if ack, ok := message.ParseAcknowledgeMessage(body.Value); ok {
		return ack.Body, nil
	}
	return body.Value, nil
}

func describe(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case *amf.Object:
		if s := v.String("description"); s != "" {
			return s
		}
		if s := v.String("message"); s != "" {
			return s
		}
	}
	return "unknown fault"
}

func (c *Client) invoke(ctx context.Context, servicePath string, params any, opts []CallOption) (message.Body, error) {
	snap := c.snapshot()
	data, err := c.exchange(ctx, snap, servicePath, params, opts)
	if err != nil {
		return message.Body{}, err
	}

	var resp message.Envelope
	if err := codec.ForEncoding(snap.encoding).Decode(data, &resp); err != nil {
		return message.Body{}, &CodecError{Op: "decode", Err: err}
	}

	c.applyHeaders(resp.Headers)

	body, ok := resp.FindBody(message.ResponseTarget)
	if !ok {
		c.logger.Warn("unmatched response",
			zap.String("service", servicePath),
			zap.Int("bodies", len(resp.Bodies)))
		return message.Body{}, ErrNoResponse
	}
	return body, nil
}

// exchange encodes the request for snap and runs it through the handler chain.
func (c *Client) exchange(ctx context.Context, snap session, servicePath string, params any, opts []CallOption) ([]byte, error) {
	if servicePath == "" {
		return nil, ErrEmptyServicePath
	}
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	env := buildEnvelope(snap, servicePath, params)
	data, err := codec.ForEncoding(snap.encoding).Encode(env)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}

	req := &transport.Request{
		URL:         snap.endpoint,
		ServicePath: servicePath,
		Header:      append([]string{"Content-Type: " + message.MIMEType}, snap.httpHeaders...),
		Body:        data,
		Proxy:       snap.proxy,
		UserAgent:   snap.userAgent,
		Timeout:     o.timeout,
	}
	resp, err := c.handler(ctx, req)
	if err != nil {
		return nil, &TransportError{URL: snap.endpoint, Err: err}
	}
	return resp, nil
}

// buildEnvelope returns a fresh request envelope: the persistent headers in
// the order added plus one body answering on the correlation id.
func buildEnvelope(s session, servicePath string, params any) *message.Envelope {
	env := message.NewEnvelope(s.encoding.Version())
	for _, h := range s.headers {
		env.AddHeader(h)
	}

	target, value := servicePath, params
	if s.encoding.Remoting() {
		target, value = message.NullTarget, message.NewRemotingMessage(servicePath, params)
	}
	env.AddBody(message.Body{Target: target, Response: message.ResponseTarget, Value: value})
	return env
}

func (c *Client) applyHeaders(headers []message.Header) {
	for _, h := range headers {
		c.mu.Lock()
		fn, ok := c.handlers[h.Name]
		c.mu.Unlock()
		if !ok {
			continue
		}
		fn(c, h)
	}
}

func (c *Client) snapshot() session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.clone()
}

// HandleHeader installs fn for response headers called name, replacing any
// existing handler. A nil fn removes the handler.
func (c *Client) HandleHeader(name string, fn HeaderHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, name)
		return
	}
	c.handlers[name] = fn
}

// AddHeader appends a header sent with every later call. Duplicate names are
// allowed and all of them are sent.
func (c *Client) AddHeader(name string, mustUnderstand bool, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.headers = append(c.sess.headers, message.Header{Name: name, MustUnderstand: mustUnderstand, Value: value})
}

// SetHeader replaces every header called name with a single one, or appends it.
func (c *Client) SetHeader(name string, mustUnderstand bool, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := message.Header{Name: name, MustUnderstand: mustUnderstand, Value: value}
	kept := c.sess.headers[:0:0]
	replaced := false
	for _, old := range c.sess.headers {
		if old.Name != name {
			kept = append(kept, old)
			continue
		}
		if !replaced {
			kept = append(kept, h)
			replaced = true
		}
	}
	if !replaced {
		kept = append(kept, h)
	}
	c.sess.headers = kept
}

// ClearHeaders drops all persistent headers.
func (c *Client) ClearHeaders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.headers = nil
}

// Headers returns a copy of the persistent headers.
func (c *Client) Headers() []message.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Header(nil), c.sess.headers...)
}

// SetCredentials adds the "Credentials" header gateways use for login.
func (c *Client) SetCredentials(username, password string) {
	creds := amf.NewObject("").Set("userid", username).Set("password", password)
	c.AddHeader(HeaderCredentials, false, creds)
}

// SetEncoding selects the AMF sub-mode and the remoting wrapper for later
// calls.
func (c *Client) SetEncoding(enc message.Encoding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.encoding = enc
}

func (c *Client) Encoding() message.Encoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.encoding
}

// AddHTTPHeader adds a "Name: value" line to every later HTTP request.
func (c *Client) AddHTTPHeader(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.httpHeaders = append(c.sess.httpHeaders, line)
}

// SetHTTPProxy routes later calls through proxy ("host:port" or a URL).
// An empty string restores the environment's proxy settings.
func (c *Client) SetHTTPProxy(proxy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.proxy = proxy
}

func (c *Client) SetUserAgent(ua string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.userAgent = ua
}

// Endpoint returns the gateway URL later calls go to.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.endpoint
}

func (c *Client) setEndpoint(endpoint string) {
	c.mu.Lock()
	old := c.sess.endpoint
	c.sess.endpoint = endpoint
	c.mu.Unlock()
	c.logger.Info("gateway endpoint changed", zap.String("from", old), zap.String("to", endpoint))
}

// swapEndpoint moves the client to endpoint only if it is still on old.
func (c *Client) swapEndpoint(old, endpoint string) bool {
	c.mu.Lock()
	if c.sess.endpoint != old {
		c.mu.Unlock()
		return false
	}
	c.sess.endpoint = endpoint
	c.mu.Unlock()
	c.logger.Info("gateway endpoint changed", zap.String("from", old), zap.String("to", endpoint))
	return true
}

// Close stops following the registry, if the client came from
// NewDiscoveredClient, and releases the default transport's idle connections.
// A transport given with WithTransport is left alone.
func (c *Client) Close() error {
	if c.stopWatch != nil {
		c.stopWatch()
		<-c.watchDone
	}
	if !c.ownsTransport {
		return nil
	}
	if cl, ok := c.transport.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Header names the client reacts to or sends.
const (
	HeaderCredentials             = "Credentials"
	HeaderReplaceGatewayURL       = "ReplaceGatewayUrl"
	HeaderAppendToGatewayURL      = "AppendToGatewayUrl"
	HeaderRequestPersistentHeader = "RequestPersistentHeader"
)

func replaceGatewayURL(c *Client, h message.Header) {
	if s, ok := h.Value.(string); ok {
		c.setEndpoint(s)
	}
}

// appendToGatewayURL adds a session suffix (e.g. ";jsessionid=...") to the
// endpoint.
func appendToGatewayURL(c *Client, h message.Header) {
	s, ok := h.Value.(string)
	if !ok || s == "" {
		return
	}
	endpoint := c.Endpoint()
	if strings.HasSuffix(endpoint, s) {
		return
	}
	c.setEndpoint(endpoint + s)
}

// requestPersistentHeader installs {name, mustUnderstand, data} as a header
// sent with every later call.
func requestPersistentHeader(c *Client, h message.Header) {
	o, ok := h.Value.(*amf.Object)
	if !ok {
		return
	}
	name := o.String("name")
	if name == "" {
		return
	}
	must, _ := o.Values["mustUnderstand"].(bool)
	data, _ := o.Get("data")
	c.SetHeader(name, must, data)
}
