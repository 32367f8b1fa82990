package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/fanoutgw/internal/observability"
)

func observedLogger() (observability.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return observability.NewLoggerFromZap(zap.New(core)), logs
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantBody   string
		wantLogged bool
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "panic with string",
			handler: func(http.ResponseWriter, *http.Request) {
				panic("boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal server error"}`,
			wantLogged: true,
		},
		{
			name: "panic with error",
			handler: func(http.ResponseWriter, *http.Request) {
				panic(assert.AnError)
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal server error"}`,
			wantLogged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, logs := observedLogger()
			handler := Recovery(logger)(tt.handler)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())

			entries := logs.FilterMessage("panic recovered").All()
			if !tt.wantLogged {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			fields := entries[0].ContextMap()
			assert.Equal(t, "/panic", fields["path"])
			assert.NotEmpty(t, fields["stack"])
		})
	}
}

func TestRecovery_RepanicsOnAbortHandler(t *testing.T) {
	t.Parallel()

	handler := Recovery(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
