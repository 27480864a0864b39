package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"amf-rpc/amf"
	"amf-rpc/client"
	"amf-rpc/loadbalance"
	"amf-rpc/message"
	"amf-rpc/middleware"
	"amf-rpc/registry"
	"amf-rpc/server"
	"amf-rpc/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

// ---- services used by the tests ----

type Arith struct{}

func (a *Arith) Add(params any) (any, error) {
	args, ok := params.(*amf.Object)
	if !ok {
		return nil, errors.New("expected {a, b}")
	}
	return message.Int64(args.Values["a"]) + message.Int64(args.Values["b"]), nil
}

func (a *Arith) Multiply(ctx context.Context, params any) (any, error) {
	args, ok := params.(*amf.Object)
	if !ok {
		return nil, errors.New("expected {a, b}")
	}
	return message.Int64(args.Values["a"]) * message.Int64(args.Values["b"]), nil
}

type Chat struct {
	sent []any
}

func (c *Chat) Send(params any) (any, error) {
	c.sent = append(c.sent, params)
	return len(c.sent), nil
}

func startGateway(t testing.TB, opts ...server.Option) (*server.Server, *httptest.Server) {
	t.Helper()
	svr := server.NewServer(opts...)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.RegisterName("chat", &Chat{}))
	ts := httptest.NewServer(svr.Handler())
	t.Cleanup(ts.Close)
	return svr, ts
}

func args(a, b float64) *amf.Object {
	return amf.NewObject("").Set("a", a).Set("b", b)
}

func TestGatewayRoundTrip(t *testing.T) {
	_, ts := startGateway(t)

	for _, enc := range []message.Encoding{message.AMF0, message.AMF3, message.AMF0 | message.FlexMessaging, message.AMF3 | message.FlexMessaging} {
		t.Run(enc.String(), func(t *testing.T) {
			c := client.NewClient(ts.URL+"/gateway", client.WithEncoding(enc))
			defer c.Close()

			got, err := c.Call(context.Background(), "Arith.add", args(3, 5))
			require.NoError(t, err)
			assert.EqualValues(t, 8, got)

			got, err = c.Call(context.Background(), "Arith.multiply", args(4, 6))
			require.NoError(t, err)
			assert.EqualValues(t, 24, got)

			_, err = c.Call(context.Background(), "Arith.divide", args(4, 6))
			require.Error(t, err)
		})
	}
}

type addArgs struct {
	A float64 `amf:"a"`
	B float64 `amf:"b"`
}

func TestGatewayStructParams(t *testing.T) {
	_, ts := startGateway(t)

	for _, enc := range []message.Encoding{message.AMF0, message.AMF3 | message.FlexMessaging} {
		c := client.NewClient(ts.URL+"/gateway", client.WithEncoding(enc))
		defer c.Close()

		got, err := c.Call(context.Background(), "Arith.add", addArgs{A: 2, B: 40})
		require.NoError(t, err, enc.String())
		assert.EqualValues(t, 42, got)

		got, err = c.Call(context.Background(), "Arith.add", &addArgs{A: 1, B: 1})
		require.NoError(t, err, enc.String())
		assert.EqualValues(t, 2, got)
		c.Close()
	}
}

func TestGatewayChatSend(t *testing.T) {
	_, ts := startGateway(t)
	c := client.NewClient(ts.URL+"/gateway", client.WithEncoding(message.AMF3|message.FlexMessaging))
	defer c.Close()

	for i := 1; i <= 2; i++ {
		got, err := c.Call(context.Background(), "chat.send", "hello")
		require.NoError(t, err)
		assert.EqualValues(t, i, got)
	}

	// Without unwrapping, the result is the AcknowledgeMessage itself.
	v, err := c.Invoke(context.Background(), "chat.send", "hello")
	require.NoError(t, err)
	ack, ok := message.ParseAcknowledgeMessage(v)
	require.True(t, ok)
	assert.EqualValues(t, 3, ack.Body)
}

func TestGatewayFaultIsReturnedByInvoke(t *testing.T) {
	_, ts := startGateway(t)
	c := client.NewClient(ts.URL + "/gateway")
	defer c.Close()

	v, err := c.Invoke(context.Background(), "Arith.add", "wrong")
	require.NoError(t, err)
	f, ok := message.ParseFault(v)
	require.True(t, ok)
	assert.Equal(t, server.FaultProcessing, f.Code)

	_, err = c.Call(context.Background(), "Arith.add", "wrong")
	var fault *message.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, server.FaultProcessing, fault.Code)
}

func TestGatewayMigration(t *testing.T) {
	_, second := startGateway(t)
	first, firstTS := startGateway(t)
	first.AddResponseHeader(message.Header{Name: client.HeaderReplaceGatewayURL, Value: second.URL + "/gateway"})

	c := client.NewClient(firstTS.URL + "/gateway")
	defer c.Close()

	_, err := c.Call(context.Background(), "Arith.add", args(1, 1))
	require.NoError(t, err)
	assert.Equal(t, second.URL+"/gateway", c.Endpoint())

	got, err := c.Call(context.Background(), "Arith.add", args(2, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 4, got)
}

func TestGatewayCredentials(t *testing.T) {
	_, ts := startGateway(t, server.WithAuthenticator(func(ctx context.Context, user, pass string) error {
		if user != "alice" || pass != "secret" {
			return errors.New("denied")
		}
		return nil
	}))
	c := client.NewClient(ts.URL + "/gateway")
	defer c.Close()

	_, err := c.Call(context.Background(), "Arith.add", args(1, 2))
	require.Error(t, err)

	c.SetCredentials("alice", "secret")
	got, err := c.Call(context.Background(), "Arith.add", args(1, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)
}

func TestGatewayStatusError(t *testing.T) {
	_, ts := startGateway(t)
	c := client.NewClient(ts.URL + "/nowhere")
	defer c.Close()

	_, err := c.Invoke(context.Background(), "Arith.add", args(1, 2))
	var te *client.TransportError
	require.ErrorAs(t, err, &te)
	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.StatusCode)
}

func TestDiscoveredClient(t *testing.T) {
	_, ts1 := startGateway(t)
	_, ts2 := startGateway(t)

	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "calc", registry.GatewayInstance{Addr: ts1.URL + "/gateway", Weight: 10}, 10))
	require.NoError(t, reg.Register(ctx, "calc", registry.GatewayInstance{Addr: ts2.URL + "/gateway", Weight: 10}, 10))

	bal := &loadbalance.RoundRobinBalancer{}
	seen := map[string]bool{}
	for i := 1; i <= 4; i++ {
		c, err := client.NewDiscoveredClient(ctx, reg, "calc", bal)
		require.NoError(t, err)
		seen[c.Endpoint()] = true

		got, err := c.Call(ctx, "Arith.add", args(float64(i), float64(i*10)))
		require.NoError(t, err)
		assert.EqualValues(t, i+i*10, got)
		c.Close()
	}
	assert.Len(t, seen, 2)

	_, err := client.ResolveEndpoint(ctx, reg, "missing", bal)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
}

func TestDiscoveredClientFollowsRegistry(t *testing.T) {
	_, ts1 := startGateway(t)
	_, ts2 := startGateway(t)
	gw1, gw2 := ts1.URL+"/gateway", ts2.URL+"/gateway"

	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), "calc", registry.GatewayInstance{Addr: gw1, Weight: 10}, 10))

	// the watch outlives the context the client was created with
	ctx, cancel := context.WithCancel(context.Background())
	c, err := client.NewDiscoveredClient(ctx, reg, "calc", &loadbalance.RoundRobinBalancer{})
	cancel()
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, gw1, c.Endpoint())

	require.NoError(t, reg.Register(context.Background(), "calc", registry.GatewayInstance{Addr: gw2, Weight: 10}, 10))
	require.NoError(t, reg.Deregister(context.Background(), "calc", gw1))
	require.Eventually(t, func() bool { return c.Endpoint() == gw2 }, time.Second, 5*time.Millisecond)

	got, err := c.Call(context.Background(), "Arith.add", args(2, 3))
	require.NoError(t, err)
	assert.EqualValues(t, 5, got)

	// nothing left to move to: stay put
	require.NoError(t, reg.Deregister(context.Background(), "calc", gw2))
	assert.Never(t, func() bool { return c.Endpoint() != gw2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestClientMiddlewareChain(t *testing.T) {
	_, ts := startGateway(t)
	c := client.NewClient(ts.URL+"/gateway",
		client.WithMiddleware(middleware.MetricsMiddleware(), middleware.RateLimitMiddleware(0.001, 1)))
	defer c.Close()

	_, err := c.Call(context.Background(), "Arith.add", args(1, 2))
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "Arith.add", args(1, 2))
	assert.ErrorIs(t, err, middleware.ErrRateLimited)
}

func TestGatewayTimeout(t *testing.T) {
	block := make(chan struct{})
	svr := server.NewServer()
	require.NoError(t, svr.RegisterName("slow", &slow{block: block}))
	ts := httptest.NewServer(svr.Handler())
	defer ts.Close()
	defer close(block)

	c := client.NewClient(ts.URL+"/gateway", client.WithTimeout(100*time.Millisecond))
	defer c.Close()

	_, err := c.Invoke(context.Background(), "slow.wait", nil)
	assert.ErrorIs(t, err, middleware.ErrTimeout)
}

type slow struct{ block chan struct{} }

func (s *slow) Wait(ctx context.Context, params any) (any, error) {
	select {
	case <-s.block:
	case <-ctx.Done():
	}
	return nil, nil
}

// ---- Benchmark ----

func BenchmarkSerialCall(b *testing.B) {
	_, ts := startGateway(b)
	c := client.NewClient(ts.URL + "/gateway")
	defer c.Close()
	params := args(1, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Invoke(context.Background(), "Arith.add", params); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	_, ts := startGateway(b)
	c := client.NewClient(ts.URL+"/gateway", client.WithEncoding(message.AMF3|message.FlexMessaging))
	defer c.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		params := args(1, 2)
		for pb.Next() {
			if _, err := c.Invoke(context.Background(), "Arith.add", params); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
