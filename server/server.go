// Package server implements an AMF gateway: an HTTP endpoint that accepts
// remoting envelopes, dispatches every body to a registered Go service and
// answers with a response envelope.
//
// Request processing pipeline:
//
//	POST /gateway → read body → Codec.Decode → Middleware Chain
//	  → businessHandler (per body: plain target or RemotingMessage → reflect.Call)
//	  → Codec.Encode → write response
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"amf-rpc/amf"
	"amf-rpc/codec"
	"amf-rpc/message"
	"amf-rpc/middleware"
	"amf-rpc/protocol"
	"amf-rpc/registry"
	"amf-rpc/transport"
)

// Fault codes used in status objects and ErrorMessages.
const (
	FaultNotFound       = "Server.ResourceNotFound"
	FaultProcessing     = "Server.Processing"
	FaultAuthentication = "Client.Authentication"
	FaultBadRequest     = "Client.Message.Format"
)

// Authenticator validates the credentials of the Credentials request header.
type Authenticator func(ctx context.Context, username, password string) error

// ErrMissingCredentials is reported when an Authenticator is set and the
// request carries no Credentials header.
var ErrMissingCredentials = errors.New("missing credentials")

// Server is the AMF gateway. Services are registered before Serve or Handler
// is called.
type Server struct {
	mu              sync.RWMutex
	serviceMap      map[string]*service // "pkg.Echo" → *service
	responseHeaders []message.Header

	path          string
	name          string // application name registered in the registry
	maxBodyBytes  int64
	logger        *zap.Logger
	authenticate  Authenticator
	middlewares   []middleware.Middleware
	handlerOnce   sync.Once
	handler       middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	httpServer    *http.Server
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string // URL registered for clients, e.g. "http://10.0.0.3:8080/gateway"
}

type Option func(*Server)

// WithPath sets the gateway path. The default is "/gateway".
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithName sets the application name gateways register under. The default is
// "default".
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// DefaultMaxBodyBytes bounds the request envelope size unless WithMaxBodyBytes
// says otherwise.
const DefaultMaxBodyBytes = 8 << 20

// WithMaxBodyBytes sets the largest request envelope accepted. Larger requests
// are answered with 413.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithAuthenticator rejects every body of a request whose credentials fn
// refuses.
func WithAuthenticator(fn Authenticator) Option {
	return func(s *Server) { s.authenticate = fn }
}

// NewServer creates a gateway with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap:   make(map[string]*service),
		path:         "/gateway",
		name:         "default",
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers rcvr under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name, which may contain dots
// ("com.example.Echo").
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := NewService(name, rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return errors.Errorf("amf: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	svr.logger.Debug("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be added before the first request.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// AddResponseHeader adds h to every response envelope.
func (svr *Server) AddResponseHeader(h message.Header) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.responseHeaders = append(svr.responseHeaders, h)
}

// Handler returns the gateway's HTTP routes: POST on the gateway path,
// /healthz and /metrics.
func (svr *Server) Handler() http.Handler {
	svr.handlerOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post(svr.path, svr.serveAMF)
	return r
}

// Serve listens on address, registers advertiseAddr under the server's name
// when reg is not nil, and serves until Shutdown.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	hs := &http.Server{
		Handler:           svr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	svr.mu.Lock()
	svr.httpServer = hs
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		// TTL = 10 seconds, KeepAlive renews automatically
		if err := reg.Register(context.Background(), svr.name, registry.GatewayInstance{Addr: advertiseAddr, Weight: 10}, 10); err != nil {
			listener.Close()
			return errors.Wrap(err, "registering gateway")
		}
	}

	svr.logger.Info("gateway listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", svr.path),
		zap.String("advertise", advertiseAddr))
	if err := hs.Serve(listener); err != nil {
		if svr.shutdown.Load() && err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown deregisters the gateway, stops accepting requests and waits up to
// timeout for in-flight requests.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	hs, reg, addr := svr.httpServer, svr.registry, svr.advertiseAddr
	svr.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Deregister first so clients stop picking this gateway.
	if reg != nil {
		if err := reg.Deregister(ctx, svr.name, addr); err != nil {
			svr.logger.Warn("deregistering gateway", zap.Error(err))
		}
	}

	svr.shutdown.Store(true)
	if hs == nil {
		return nil
	}
	if err := hs.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "timeout waiting for ongoing requests to finish")
	}
	return nil
}

type envelopeKey struct{}

// serveAMF decodes the envelope, runs the middleware chain and writes the
// response envelope.
func (svr *Server) serveAMF(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, svr.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request envelope too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}

	var env message.Envelope
	if err := codec.GetCodec(codec.CodecTypeAMF0).Decode(data, &env); err != nil {
		svr.logger.Warn("malformed envelope", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "malformed AMF envelope", http.StatusBadRequest)
		return
	}

	req := &transport.Request{
		URL:         r.URL.String(),
		ServicePath: svr.serviceLabel(&env),
		Body:        data,
		UserAgent:   r.UserAgent(),
	}
	ctx := context.WithValue(r.Context(), envelopeKey{}, &env)
	resp, err := svr.handler(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, middleware.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, middleware.ErrTimeout):
			status = http.StatusGatewayTimeout
		}
		svr.logger.Error("request failed", zap.String("service", req.ServicePath), zap.NamedError("err", err))
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", message.MIMEType)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// businessHandler answers every body of the request envelope. It is wrapped by
// the middleware chain and has the HandlerFunc signature.
func (svr *Server) businessHandler(ctx context.Context, req *transport.Request) ([]byte, error) {
	env, ok := ctx.Value(envelopeKey{}).(*message.Envelope)
	if !ok {
		env = new(message.Envelope)
		if err := codec.GetCodec(codec.CodecTypeAMF0).Decode(req.Body, env); err != nil {
			return nil, err
		}
	}

	// Answer in the request's packet version; version 1 is answered as 0.
	version := protocol.Version0
	if env.Version == protocol.Version3 {
		version = protocol.Version3
	}
	out := message.NewEnvelope(version)
	svr.mu.RLock()
	for _, h := range svr.responseHeaders {
		out.AddHeader(h)
	}
	svr.mu.RUnlock()

	authErr := svr.checkCredentials(ctx, env)
	for _, b := range env.Bodies {
		out.AddBody(svr.dispatch(ctx, b, authErr))
	}
	return codec.GetCodec(codec.CodecType(version)).Encode(out)
}

func (svr *Server) checkCredentials(ctx context.Context, env *message.Envelope) error {
	if svr.authenticate == nil {
		return nil
	}
	h, ok := env.Header("Credentials")
	if !ok {
		return ErrMissingCredentials
	}
	o, ok := h.Value.(*amf.Object)
	if !ok {
		return ErrMissingCredentials
	}
	return svr.authenticate(ctx, o.String("userid"), o.String("password"))
}

// dispatch answers one request body on "<response>/onResult" or
// "<response>/onStatus".
func (svr *Server) dispatch(ctx context.Context, b message.Body, authErr error) message.Body {
	if rm, ok := remotingMessage(b); ok {
		return svr.dispatchRemoting(ctx, b, rm, authErr)
	}

	fault := func(code string, err error) message.Body {
		return message.Body{
			Target:   b.Response + message.StatusSuffix,
			Response: message.NullTarget,
			Value:    &message.Fault{Code: code, Description: err.Error(), Level: "error"},
		}
	}
	if authErr != nil {
		return fault(FaultAuthentication, authErr)
	}
	result, code, err := svr.call(ctx, b.Target, b.Value)
	if err != nil {
		return fault(code, err)
	}
	return message.Body{Target: b.Response + message.ResultSuffix, Response: message.NullTarget, Value: result}
}

func (svr *Server) dispatchRemoting(ctx context.Context, b message.Body, rm *message.RemotingMessage, authErr error) message.Body {
	fail := func(code string, err error) message.Body {
		return message.Body{
			Target:   b.Response + message.StatusSuffix,
			Response: message.NullTarget,
			Value:    message.NewErrorMessage(rm, code, err.Error()),
		}
	}
	if authErr != nil {
		return fail(FaultAuthentication, authErr)
	}
	result, code, err := svr.call(ctx, remotingTarget(rm), rm.Body)
	if err != nil {
		return fail(code, err)
	}
	return message.Body{
		Target:   b.Response + message.ResultSuffix,
		Response: message.NullTarget,
		Value:    message.NewAcknowledgeMessage(rm, result),
	}
}

// call runs target ("Service.method") with params and returns the fault code
// to use on failure.
func (svr *Server) call(ctx context.Context, target string, params any) (any, string, error) {
	serviceName, methodName, err := splitTarget(target)
	if err != nil {
		return nil, FaultBadRequest, err
	}

	svr.mu.RLock()
	svc, ok := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if !ok {
		return nil, FaultNotFound, errors.Errorf("can't find service %s", serviceName)
	}
	mType, ok := svc.lookup(methodName)
	if !ok {
		return nil, FaultNotFound, errors.Errorf("can't find method %s on %s", methodName, serviceName)
	}

	result, err := svc.Call(ctx, mType, params)
	if err != nil {
		svr.logger.Info("service call failed", zap.String("service", target), zap.NamedError("err", err))
		return nil, FaultProcessing, err
	}
	return result, "", nil
}

// remotingMessage extracts the RemotingMessage of a "null" target body. Flex
// clients send it wrapped in a one-element array.
func remotingMessage(b message.Body) (*message.RemotingMessage, bool) {
	if b.Target != message.NullTarget {
		return nil, false
	}
	v := b.Value
	if arr, ok := v.([]any); ok && len(arr) == 1 {
		v = arr[0]
	}
	return message.ParseRemotingMessage(v)
}

// remotingTarget routes a RemotingMessage by source, falling back to the
// destination when no source is set.
func remotingTarget(rm *message.RemotingMessage) string {
	switch {
	case rm.Source != "":
		return rm.Source + "." + rm.Operation
	case rm.Destination != "":
		return rm.Destination + "." + rm.Operation
	}
	return rm.Operation
}

// unknownService labels requests whose first call does not name a registered
// method, so callers cannot grow the metric label set.
const unknownService = "unknown"

// serviceLabel names the first call of env for logs and metrics.
func (svr *Server) serviceLabel(env *message.Envelope) string {
	if len(env.Bodies) == 0 {
		return unknownService
	}
	b := env.Bodies[0]
	target := b.Target
	if rm, ok := remotingMessage(b); ok {
		target = remotingTarget(rm)
	}

	serviceName, methodName, err := splitTarget(target)
	if err != nil {
		return unknownService
	}
	svr.mu.RLock()
	svc, ok := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if !ok {
		return unknownService
	}
	m, ok := svc.lookup(methodName)
	if !ok {
		return unknownService
	}
	return svc.name + "." + m.method.Name
}
