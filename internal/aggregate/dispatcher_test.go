package aggregate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/observability"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

func TestDispatcher_SlotReasons(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("test")
	backends := newFakeBackends().
		on("1.example.com", reply(200, "", "ok")).
		on("2.example.com", func(*http.Request) (*http.Response, error) {
			return nil, fmt.Errorf("host 2: %w", util.ErrCircuitOpen)
		}).
		on("3.example.com", hang())

	d := NewDispatcher(backends, nil, metrics, nil)
	targets := []Target{
		{ID: "1", URL: "http://1.example.com/"},
		{ID: "2", URL: "http://2.example.com/"},
		{ID: "3", URL: "http://3.example.com/"},
	}

	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1,2,3/", nil), "r", targets, 30*time.Millisecond)
	require.NoError(t, err)
	defer batch.Release()
	slots := batch.Slots
	require.Len(t, slots, 3)

	assert.True(t, slots[0].Completed())
	assert.Equal(t, "200 OK", slots[0].Envelope().Status)

	require.NotNil(t, slots[1].NoResponse())
	assert.Equal(t, ReasonCircuitOpen, slots[1].NoResponse().Reason)
	assert.ErrorIs(t, slots[1].NoResponse().Err, util.ErrCircuitOpen)

	require.NotNil(t, slots[2].NoResponse())
	assert.Equal(t, ReasonTimeout, slots[2].NoResponse().Reason)

	for i, target := range targets {
		assert.Equal(t, target.ID, slots[i].ID)
		assert.Equal(t, target.URL, slots[i].URL)
	}

	count, err := testutil.GatherAndCount(metrics.Registry(), "test_aggregate_backend_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDispatcher_BodyCloseCancelsRequest(t *testing.T) {
	t.Parallel()

	reqCtx := make(chan context.Context, 1)
	backends := newFakeBackends().on("1.example.com", func(req *http.Request) (*http.Response, error) {
		reqCtx <- req.Context()
		return reply(200, "", "x")(req)
	})

	d := NewDispatcher(backends, observability.NopLogger(), nil, nil)
	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r",
		[]Target{{ID: "1", URL: "http://1.example.com/"}}, time.Second)
	require.NoError(t, err)
	defer batch.Release()

	ctx := <-reqCtx
	assert.NoError(t, ctx.Err())

	require.NoError(t, batch.Slots[0].Envelope().Body.Close())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestDispatcher_PendingRequestsCancelledWithTimeoutCause(t *testing.T) {
	t.Parallel()

	reqCtx := make(chan context.Context, 1)
	backends := newFakeBackends().on("1.example.com", func(req *http.Request) (*http.Response, error) {
		reqCtx <- req.Context()
		return hang()(req)
	})

	d := NewDispatcher(backends, nil, nil, nil)
	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r",
		[]Target{{ID: "1", URL: "http://1.example.com/"}}, 20*time.Millisecond)
	require.NoError(t, err)
	defer batch.Release()

	ctx := <-reqCtx
	require.Error(t, ctx.Err())
	assert.ErrorIs(t, context.Cause(ctx), util.ErrTimeout)
	assert.Equal(t, ReasonTimeout, batch.Slots[0].NoResponse().Reason)
}

func TestDispatcher_BodyReadsBoundedByBatchDeadline(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().on("1.example.com", stalledBody(200))

	d := NewDispatcher(backends, nil, nil, nil)
	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r",
		[]Target{{ID: "1", URL: "http://1.example.com/"}}, 50*time.Millisecond)
	require.NoError(t, err)
	defer batch.Release()
	require.True(t, batch.Slots[0].Completed())

	start := time.Now()
	_, err = batch.Slots[0].Envelope().Body.Bytes(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcher_DetachedSlotOutlivesBatch(t *testing.T) {
	t.Parallel()

	reqCtx := make(chan context.Context, 1)
	backends := newFakeBackends().on("1.example.com", func(req *http.Request) (*http.Response, error) {
		reqCtx <- req.Context()
		return reply(200, "", "x")(req)
	})

	d := NewDispatcher(backends, nil, nil, nil)
	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r",
		[]Target{{ID: "1", URL: "http://1.example.com/"}}, 20*time.Millisecond)
	require.NoError(t, err)

	stream, err := batch.Slots[0].Envelope().Body.Stream()
	require.NoError(t, err)
	batch.Detach(0)
	batch.Release()
	time.Sleep(40 * time.Millisecond)

	ctx := <-reqCtx
	assert.NoError(t, ctx.Err(), "detached request survives release and deadline")

	require.NoError(t, stream.Close())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestDispatcher_TimeoutsTripCircuitBreaker(t *testing.T) {
	t.Parallel()

	client := backend.NewClient(backend.DefaultPoolConfig(),
		backend.WithDoer(newFakeBackends().on("1.example.com", hang())),
		backend.WithCircuitBreaker(backend.BreakerSettings{Threshold: 2, Timeout: time.Minute}),
	)
	d := NewDispatcher(client, nil, nil, nil)
	targets := []Target{{ID: "1", URL: "http://1.example.com/"}}

	for i := 0; i < 2; i++ {
		batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r", targets, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, ReasonTimeout, batch.Slots[0].NoResponse().Reason)
		batch.Release()
	}

	assert.Eventually(t, func() bool {
		return client.BreakerState("1.example.com") == "open"
	}, time.Second, 5*time.Millisecond)

	batch, err := d.Dispatch(httptest.NewRequest(http.MethodGet, "/1/", nil), "r", targets, time.Second)
	require.NoError(t, err)
	defer batch.Release()
	assert.Equal(t, ReasonCircuitOpen, batch.Slots[0].NoResponse().Reason)
}

func TestDispatcher_InboundAbortDoesNotTripCircuitBreaker(t *testing.T) {
	t.Parallel()

	client := backend.NewClient(backend.DefaultPoolConfig(),
		backend.WithDoer(newFakeBackends().on("1.example.com", hang())),
		backend.WithCircuitBreaker(backend.BreakerSettings{Threshold: 2, Timeout: time.Minute}),
	)
	d := NewDispatcher(client, nil, nil, nil)
	targets := []Target{{ID: "1", URL: "http://1.example.com/"}}

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		req := httptest.NewRequest(http.MethodGet, "/1/", nil).WithContext(ctx)

		batch, err := d.Dispatch(req, "r", targets, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ReasonCanceled, batch.Slots[0].NoResponse().Reason)
		batch.Release()
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "closed", client.BreakerState("1.example.com"))
}

func TestDispatcher_PayloadLimit(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends().on("1.example.com", reply(200, "", ""))
	d := NewDispatcher(backends, nil, nil, nil, WithMaxPayloadBytes(4))
	targets := []Target{{ID: "1", URL: "http://1.example.com/"}}

	_, err := d.Dispatch(httptest.NewRequest(http.MethodPost, "/1/", strings.NewReader("too long")), "r", targets, time.Second)
	var tooLarge *http.MaxBytesError
	require.ErrorAs(t, err, &tooLarge)
	assert.Zero(t, backends.calls.Load())

	batch, err := d.Dispatch(httptest.NewRequest(http.MethodPost, "/1/", strings.NewReader("ok")), "r", targets, time.Second)
	require.NoError(t, err)
	defer batch.Release()
	assert.True(t, batch.Slots[0].Completed())
}
