package dropbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token(_ context.Context) (string, error) {
	return "", errors.New("token error")
}

// countingToken is a test TokenSource that fails with a fixed error and
// counts how often it was consulted.
type countingToken struct {
	calls atomic.Int32
	err   error
}

func (c *countingToken) Token(_ context.Context) (string, error) {
	c.calls.Add(1)

	return "", c.err
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, staticToken("test-token"), slog.Default())
	c.sleepFunc = noopSleep

	return c
}

func TestCall_SetsAuthAndContentHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var out struct{}
	err := client.call(context.Background(), "/files/list_folder", struct{}{}, &out)
	require.NoError(t, err)
}

func TestCall_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"cursor":"c1"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var out struct {
		Cursor string `json:"cursor"`
	}

	err := client.call(context.Background(), "/x", struct{}{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "c1", out.Cursor)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_HonorsRetryAfterOn429(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error_summary":"too_many_requests/..","error":{".tag":"too_many_requests"}}`))

			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var slept []time.Duration

	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	var out struct{}
	err := client.call(context.Background(), "/x", struct{}{}, &out)
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestCall_ExhaustsRetriesOnPersistent500(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var out struct{}
	err := client.call(context.Background(), "/x", struct{}{}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestCall_DoesNotRetry409(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error_summary":"reset/...","error":{".tag":"reset"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var out struct{}
	err := client.call(context.Background(), "/x", struct{}{}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCursorReset)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "reset/...", apiErr.Summary)
}

func TestCall_ClassifiesPathErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "not found",
			body: `{"error_summary":"path/not_found/..","error":{".tag":"path","path":{".tag":"not_found"}}}`,
			want: ErrPathNotFound,
		},
		{
			name: "not folder",
			body: `{"error_summary":"path/not_folder/..","error":{".tag":"path","path":{".tag":"not_folder"}}}`,
			want: ErrNotFolder,
		},
		{
			name: "unparseable body",
			body: `not json`,
			want: ErrConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)

			var out struct{}
			err := client.call(context.Background(), "/x", struct{}{}, &out)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCall_ClassifiesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error_summary":"invalid_access_token/","error":{".tag":"invalid_access_token"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	var out struct{}
	err := client.call(context.Background(), "/x", struct{}{}, &out)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCall_TokenSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server should not be reached when the token source fails")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, http.DefaultClient, failingToken{}, slog.Default())
	client.sleepFunc = noopSleep

	var out struct{}
	err := client.call(context.Background(), "/x", struct{}{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
}

func TestCall_TokenSourceFailureIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("server should not be reached when the token source fails")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	authRequired := errors.New("authorization required")
	token := &countingToken{err: authRequired}

	var sleeps atomic.Int32

	client := NewClient(srv.URL, http.DefaultClient, token, slog.Default())
	client.sleepFunc = func(_ context.Context, _ time.Duration) error {
		sleeps.Add(1)
		return nil
	}

	var out struct{}
	err := client.call(context.Background(), "/files/list_folder", struct{}{}, &out)
	require.Error(t, err)

	// A dead credential does not heal by retrying: one token attempt, no
	// backoff sleeps, and the underlying error stays matchable.
	assert.ErrorIs(t, err, authRequired)
	assert.Equal(t, int32(1), token.calls.Load())
	assert.Zero(t, sleeps.Load())
}

func TestCall_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.sleepFunc = timeSleep // real sleep would hang without cancellation

	var out struct{}
	err := client.call(ctx, "/x", struct{}{}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoff_CapsAtMax(t *testing.T) {
	client := newTestClient(t, "http://unused")

	// Attempt 20 would be ~12 days without the cap.
	b := client.calcBackoff(20)
	assert.LessOrEqual(t, b, time.Duration(float64(maxBackoff)*(1+jitterFraction)))
	assert.Greater(t, b, time.Duration(float64(maxBackoff)*(1-jitterFraction)))
}
