package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

type backendFunc func(*http.Request) (*http.Response, error)

// fakeBackends routes outbound requests by host.
type fakeBackends struct {
	mu       sync.Mutex
	handlers map[string]backendFunc
	requests []*http.Request
	calls    atomic.Int32
}

func newFakeBackends() *fakeBackends {
	return &fakeBackends{handlers: make(map[string]backendFunc)}
}

func (f *fakeBackends) on(host string, fn backendFunc) *fakeBackends {
	f.handlers[host] = fn
	return f
}

func (f *fakeBackends) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.handlers[req.URL.Host]
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no backend for " + req.URL.Host)
	}
	return fn(req)
}

func (f *fakeBackends) requestFor(host string) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.URL.Host == host {
			return r
		}
	}
	return nil
}

func reply(status int, contentType, body string) backendFunc {
	return func(*http.Request) (*http.Response, error) {
		h := make(http.Header)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		return &http.Response{
			StatusCode: status,
			Status:     statusLine(status, ""),
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func hang() backendFunc {
	return func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
}

// contextBody blocks reads until the request context ends when stall is
// set, and otherwise fails reads once the context has ended.
type contextBody struct {
	ctx   context.Context
	data  *strings.Reader
	stall bool
}

func (b *contextBody) Read(p []byte) (int, error) {
	if b.stall {
		<-b.ctx.Done()
	}
	if b.ctx.Err() != nil {
		return 0, context.Cause(b.ctx)
	}
	return b.data.Read(p)
}

func (b *contextBody) Close() error {
	return nil
}

// stalledBody sends headers and then never sends the body.
func stalledBody(status int) backendFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Status:     statusLine(status, ""),
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       &contextBody{ctx: req.Context(), data: strings.NewReader(""), stall: true},
		}, nil
	}
}

func routeConfig(mutate ...func(*config.AggregateRoute)) config.AggregateRoute {
	cfg := config.AggregateRoute{
		Name:     "test",
		Patterns: []string{"http://example.com/{Endpoint_IDs}/"},
		Endpoints: map[string]string{
			"1": "http://1.example.com/",
			"2": "http://2.example.com/",
		},
		Timeout: config.Duration(2 * time.Second),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return cfg
}

func newTestRoute(t *testing.T, backends *fakeBackends, opts []RouteOption, mutate ...func(*config.AggregateRoute)) *Route {
	t.Helper()
	route, err := NewRouteFromConfig(routeConfig(mutate...), backends, opts...)
	require.NoError(t, err)
	return route
}

func observedLogger() (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return observability.NewLoggerFromZap(zap.New(core)), logs
}

func TestRoute_AllBackendsSucceed(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(200, "application/json", `{"id":1}`)).
		on("2.example.com", reply(200, "application/json", `{"id":2}`))
	route := newTestRoute(t, backends, nil)

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/path", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	entries := decodeArray(t, resp.Body)
	require.Len(t, entries, 2)
	for i, entry := range entries {
		require.NotNil(t, entry)
		assert.Equal(t, "200 OK", entry["status"])
		assert.Equal(t, map[string]any{"id": float64(i + 1)}, entry["body"])
	}
	assert.Equal(t, "http://1.example.com/path", entries[0]["url"])
	assert.Equal(t, "http://2.example.com/path", entries[1]["url"])
}

func TestRoute_PreservesIdentifierOrder(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(200, "text/plain", "one")).
		on("2.example.com", reply(200, "text/plain", "two"))
	route := newTestRoute(t, backends, nil)

	tests := []struct {
		path string
		want []string
	}{
		{path: "/1,2/", want: []string{"one", "two"}},
		{path: "/2,1/", want: []string{"two", "one"}},
		{path: "/2,1,2/", want: []string{"two", "one", "two"}},
	}

	for _, tt := range tests {
		resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com"+tt.path, nil))
		require.NoError(t, err)

		entries := decodeArray(t, resp.Body)
		require.Len(t, entries, len(tt.want))
		for i, want := range tt.want {
			assert.Equal(t, want, entries[i]["body"], tt.path)
		}
	}
}

func TestRoute_PartialTimeout(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger()
	metrics := observability.NewMetrics("test")
	backends := newFakeBackends().
		on("1.example.com", hang()).
		on("2.example.com", reply(200, "application/json", `{"ok":true}`))
	route := newTestRoute(t, backends,
		[]RouteOption{WithLogger(logger), WithMetrics(metrics)},
		func(c *config.AggregateRoute) { c.Timeout = config.Duration(50 * time.Millisecond) },
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/1,2/path", nil)
	req = req.WithContext(observability.ContextWithRequestID(req.Context(), "req-42"))

	start := time.Now()
	resp, err := route.Handle(req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	entries := decodeArray(t, resp.Body)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0])
	require.NotNil(t, entries[1])
	assert.Equal(t, "200 OK", entries[1]["status"])

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("backend did not respond").Len() == 1
	}, time.Second, 5*time.Millisecond)

	record := logs.FilterMessage("backend did not respond").All()[0]
	assert.Equal(t, zapcore.ErrorLevel, record.Level)
	fields := record.ContextMap()
	assert.Equal(t, "test", fields["route"])
	assert.Equal(t, "1", fields["endpoint_id"])
	assert.Equal(t, "http://1.example.com/path", fields["url"])
	assert.Equal(t, "timeout", fields["reason"])
	assert.Equal(t, "req-42", fields["request_id"])

	expected := `
# HELP test_aggregate_requests_total Total number of aggregated responses by response mode
# TYPE test_aggregate_requests_total counter
test_aggregate_requests_total{mode="partial_timeout",route="test"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"test_aggregate_requests_total"))
}

func TestRoute_NoResponseLogWithoutRequestID(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger()
	backends := newFakeBackends().
		on("1.example.com", func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}).
		on("2.example.com", reply(200, "text/plain", "ok"))
	route := newTestRoute(t, backends, []RouteOption{WithLogger(logger)})

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("backend did not respond").Len() == 1
	}, time.Second, 5*time.Millisecond)

	fields := logs.FilterMessage("backend did not respond").All()[0].ContextMap()
	assert.Equal(t, "transport_error", fields["reason"])
	assert.NotContains(t, fields, "request_id")
}

func TestRoute_LateResponseDiscarded(t *testing.T) {
	t.Parallel()

	late := &trackingBody{Reader: strings.NewReader(`{"late":true}`)}
	release := make(chan struct{})
	backends := newFakeBackends().
		on("1.example.com", func(*http.Request) (*http.Response, error) {
			<-release
			return &http.Response{StatusCode: 200, Header: make(http.Header), Body: late}, nil
		}).
		on("2.example.com", reply(200, "text/plain", "fast"))
	route := newTestRoute(t, backends, nil,
		func(c *config.AggregateRoute) { c.Timeout = config.Duration(30 * time.Millisecond) },
	)

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil))
	require.NoError(t, err)
	close(release)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.NotContains(t, string(resp.Body), "late")
	assert.Eventually(t, late.closed.Load, time.Second, 5*time.Millisecond)
}

func TestRoute_SlowBackendDoesNotDelaySiblingTimeout(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", hang()).
		on("2.example.com", hang())
	route := newTestRoute(t, backends, nil,
		func(c *config.AggregateRoute) { c.Timeout = config.Duration(40 * time.Millisecond) },
	)

	start := time.Now()
	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2,1/", nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.JSONEq(t, `[null,null,null]`, string(resp.Body))
}

func TestRoute_PriorityError(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(500, "text/plain", "boom")).
		on("2.example.com", reply(400, "text/plain", "bad"))
	route := newTestRoute(t, backends, nil,
		func(c *config.AggregateRoute) { c.PriorityErrors = []int{500, 400} },
	)

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/path", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	out := decodeError(t, resp.Body)
	assert.Equal(t, "priority_error", out.Reason)
	assert.Equal(t, []int{500, 400}, out.PriorityErrors)
	require.Len(t, out.Errors, 2)
	assert.Equal(t, "http://1.example.com/path", out.Errors[0].URL)
}

func TestRoute_PriorityErrorBeatsTimeout(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", hang()).
		on("2.example.com", reply(503, "", ""))
	route := newTestRoute(t, backends, nil, func(c *config.AggregateRoute) {
		c.PriorityErrors = []int{503}
		c.Timeout = config.Duration(30 * time.Millisecond)
	})

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRoute_GenericError(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(200, "", "")).
		on("2.example.com", reply(400, "application/json", `{"error":"bad"}`))
	route := newTestRoute(t, backends, nil)

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1,2/path", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := decodeError(t, resp.Body)
	assert.Equal(t, "backend_error", out.Reason)
	require.Len(t, out.Errors, 1)
	assert.JSONEq(t, `{"error":"bad"}`, string(out.Errors[0].Body))
}

func TestRoute_MetadataMode(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(500, "application/json", `{}`)).
		on("2.example.com", hang())
	route := newTestRoute(t, backends, nil, func(c *config.AggregateRoute) {
		c.PriorityErrors = []int{500}
		c.Timeout = config.Duration(30 * time.Millisecond)
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/1,2/path", nil)
		req.Header.Set("Proxy-Aggregator-Body", "respOnse-Metadata")

		resp, err := route.Handle(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		entries := decodeArray(t, resp.Body)
		require.Len(t, entries, 2)
		assert.Equal(t, "500 Internal Server Error", entries[0]["status"])
		assert.NotContains(t, entries[0], "body")
		assert.Nil(t, entries[1])
	}
}

func TestRoute_UnknownIdentifier(t *testing.T) {
	t.Parallel()

	logger, logs := observedLogger()
	backends := newFakeBackends().on("1.example.com", reply(200, "", ""))
	route := newTestRoute(t, backends, []RouteOption{WithLogger(logger)})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/1,3/path", nil)
	_, err := route.Handle(req)
	require.Error(t, err)
	assert.True(t, util.IsConfigError(err))
	assert.Zero(t, backends.calls.Load())

	rec := httptest.NewRecorder()
	route.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"route configuration error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("route configuration error").Len())
	assert.Zero(t, backends.calls.Load())
}

func TestRoute_NoMatch(t *testing.T) {
	t.Parallel()

	route := newTestRoute(t, newFakeBackends(), nil)
	req := httptest.NewRequest(http.MethodGet, "http://other.com/1,2/", nil)

	assert.False(t, route.Match(req))
	_, err := route.Handle(req)
	assert.ErrorIs(t, err, ErrNoMatch)

	rec := httptest.NewRecorder()
	route.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoute_SingleIdentifier(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().on("1.example.com", reply(202, "text/csv", "a,b"))

	aggregate := newTestRoute(t, backends, nil)
	resp, err := aggregate.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeArray(t, resp.Body), 1)

	passthrough := newTestRoute(t, backends, nil, func(c *config.AggregateRoute) {
		c.SingleIdentifier = config.SingleIdentifierPassthrough
	})
	rec := httptest.NewRecorder()
	passthrough.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/1/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "a,b", rec.Body.String())
}

func TestRoute_ForwardsRequest(t *testing.T) {
	t.Parallel()

	var bodies sync.Map
	echo := func(req *http.Request) (*http.Response, error) {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		bodies.Store(req.URL.Host, string(data))
		return reply(200, "", "")(req)
	}
	backends := newFakeBackends().on("1.example.com", echo).on("2.example.com", echo)
	route := newTestRoute(t, backends, nil)

	req := httptest.NewRequest(http.MethodPost, "http://example.com/1,2/orders?limit=5", strings.NewReader(`{"n":1}`))
	req.Header.Set("X-Tenant", "acme")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "br")

	resp, err := route.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, host := range []string{"1.example.com", "2.example.com"} {
		out := backends.requestFor(host)
		require.NotNil(t, out, host)
		assert.Equal(t, http.MethodPost, out.Method)
		assert.Equal(t, "http://"+host+"/orders?limit=5", out.URL.String())
		assert.Equal(t, "acme", out.Header.Get("X-Tenant"))
		assert.Empty(t, out.Header.Get("Connection"))
		assert.Empty(t, out.Header.Get("Accept-Encoding"))
		assert.Equal(t, "example.com", out.Header.Get("X-Forwarded-Host"))

		body, ok := bodies.Load(host)
		require.True(t, ok)
		assert.Equal(t, `{"n":1}`, body)
	}
}

func TestRoute_InboundCancellation(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", hang()).
		on("2.example.com", reply(200, "", ""))
	route := newTestRoute(t, backends, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil).WithContext(ctx)
	time.AfterFunc(20*time.Millisecond, cancel)

	resp, err := route.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestNewRouteFromConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.AggregateRoute)
	}{
		{name: "no placeholder", mutate: func(c *config.AggregateRoute) { c.Patterns = []string{"http://example.com/test/"} }},
		{name: "segment after placeholder", mutate: func(c *config.AggregateRoute) { c.Patterns = []string{"/{Endpoint_IDs}/x"} }},
		{name: "no endpoints", mutate: func(c *config.AggregateRoute) { c.Endpoints = nil }},
		{name: "bad priority", mutate: func(c *config.AggregateRoute) { c.PriorityErrors = []int{42} }},
		{name: "bad policy", mutate: func(c *config.AggregateRoute) { c.SingleIdentifier = "merge" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRouteFromConfig(routeConfig(tt.mutate), newFakeBackends())
			require.Error(t, err)
			assert.True(t, util.IsConfigError(err))
		})
	}

	_, err := NewRouteFromConfig(routeConfig(), nil)
	assert.True(t, util.IsConfigError(err))
}

func TestRoute_ServeHTTPWritesAggregate(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(200, "application/json", `[1]`)).
		on("2.example.com", reply(200, "application/json", `[2]`))
	route := newTestRoute(t, backends, nil)
	assert.Equal(t, "test", route.Name())

	rec := httptest.NewRecorder()
	route.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.JSONEq(t, `[1]`, string(entries[0]["body"]))
	assert.JSONEq(t, `[2]`, string(entries[1]["body"]))
}

func TestRoute_StalledBodyBoundedByTimeout(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().
		on("1.example.com", reply(200, "text/plain", "fast")).
		on("2.example.com", stalledBody(200))
	route := newTestRoute(t, backends, nil,
		func(c *config.AggregateRoute) { c.Timeout = config.Duration(100 * time.Millisecond) },
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/1,2/", nil).WithContext(ctx)

	start := time.Now()
	resp, err := route.Handle(req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decodeArray(t, resp.Body)
	require.Len(t, entries, 2)
	assert.Equal(t, "fast", entries[0]["body"])
	assert.NotContains(t, entries[1], "body")
	assert.Contains(t, entries[1]["error"], "reading response body")
}

func TestRoute_PassthroughStreamOutlivesBatch(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().on("1.example.com", func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       &contextBody{ctx: req.Context(), data: strings.NewReader("streamed")},
		}, nil
	})
	route := newTestRoute(t, backends, nil, func(c *config.AggregateRoute) {
		c.SingleIdentifier = config.SingleIdentifierPassthrough
		c.Timeout = config.Duration(20 * time.Millisecond)
	})

	resp, err := route.Handle(httptest.NewRequest(http.MethodGet, "http://example.com/1/", nil))
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	time.Sleep(40 * time.Millisecond)

	rec := httptest.NewRecorder()
	require.NoError(t, resp.WriteTo(rec))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "streamed", rec.Body.String())
}

func TestRoute_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().on("1.example.com", reply(200, "", ""))
	route := newTestRoute(t, backends, nil, func(c *config.AggregateRoute) { c.MaxBodyBytes = 8 })

	rec := httptest.NewRecorder()
	route.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.com/1/",
		strings.NewReader(`{"payload":"larger than eight bytes"}`)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
	assert.Zero(t, backends.calls.Load())
}
