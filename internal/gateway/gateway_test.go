package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbchat/kbchat/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(attempts *int32) *Client {
	return New(Options{
		Timeout:   time.Second,
		BaseDelay: time.Millisecond,
		Logger:    zerolog.Nop(),
		OnAttempt: func(int) { atomic.AddInt32(attempts, 1) },
	})
}

func statusServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDoRetriesRetryableStatuses(t *testing.T) {
	for _, status := range []int{500, 503, 429} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var attempts, hits int32
			srv := statusServer(t, status, &hits)
			c := newClient(&attempts)

			resp, err := c.Do(context.Background(), Request{URL: srv.URL}, 3)
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.EqualValues(t, 4, attempts)
			assert.EqualValues(t, 4, hits)
		})
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{404, 401, 400} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var attempts, hits int32
			srv := statusServer(t, status, &hits)
			c := newClient(&attempts)

			resp, err := c.Do(context.Background(), Request{URL: srv.URL}, 3)
			require.NoError(t, err)
			assert.Equal(t, status, resp.StatusCode)
			assert.EqualValues(t, 1, attempts)
		})
	}
}

func TestDoRecoversAfterTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var attempts int32
	resp, err := newClient(&attempts).Do(context.Background(), Request{URL: srv.URL}, 3)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.EqualValues(t, 3, attempts)
}

func TestDoLinearBackoff(t *testing.T) {
	var hits int32
	srv := statusServer(t, 500, &hits)

	c := New(Options{Timeout: time.Second, BaseDelay: 20 * time.Millisecond, Logger: zerolog.Nop()})
	start := time.Now()
	_, err := c.Do(context.Background(), Request{URL: srv.URL}, 2)
	require.NoError(t, err)

	// 20ms + 40ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestDoTransportFailureExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var attempts int32
	_, err := newClient(&attempts).Do(context.Background(), Request{URL: url}, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
	assert.EqualValues(t, 3, attempts)
}

func TestDoPerAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	var attempts int32
	c := New(Options{
		Timeout:   20 * time.Millisecond,
		BaseDelay: time.Millisecond,
		Logger:    zerolog.Nop(),
		OnAttempt: func(int) { atomic.AddInt32(&attempts, 1) },
	})
	_, err := c.Do(context.Background(), Request{URL: srv.URL}, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.Equal(t, apperr.MsgTimeout, apperr.UserMessage(err))
	assert.EqualValues(t, 2, attempts)
}

func TestDoStopsOnCallerCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var attempts int32
	_, err := newClient(&attempts).Do(ctx, Request{URL: srv.URL}, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, attempts)
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Custom"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(map[string]string{"echo": in["q"]})
	}))
	defer srv.Close()

	var out map[string]string
	c := New(Options{Logger: zerolog.Nop()})
	err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, http.Header{"X-Custom": {"v"}},
		map[string]string{"q": "hello"}, &out, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["echo"])
}

func TestDoJSONErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperr.Kind
		wantMsg  string
	}{
		{"body error field", 500, `{"error":"backend exploded"}`, apperr.KindNetwork, "backend exploded"},
		{"no body", 418, ``, apperr.KindUnknown, "HTTP error: status 418"},
		{"forbidden", 403, `{"message":"denied"}`, apperr.KindPermission, "denied"},
		{"not found", 404, `not json`, apperr.KindNotFound, "HTTP error: status 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(Options{Logger: zerolog.Nop()})
			err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil, 0)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestDoJSONInvalidBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	var out map[string]any
	err := New(Options{Logger: zerolog.Nop()}).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, &out, 0)
	assert.True(t, apperr.Is(err, apperr.KindContent))
}
