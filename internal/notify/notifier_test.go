package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/invoiceflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifier_PostsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
		ctype    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ctype = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{})
	n.Notify(srv.URL, []schema.Row{{"invoice_id": 7.0}})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", ctype)
	require.NotNil(t, received)
	assert.Equal(t, []any{map[string]any{"invoice_id": 7.0}}, received["payload"])
}

func TestHTTPNotifier_DoesNotBlockOnSlowTarget(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := NewHTTPNotifier(HTTPConfig{Timeout: 5 * time.Second})
	start := time.Now()
	n.Notify(srv.URL, nil)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPNotifier_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{Timeout: time.Second})
	assert.NotPanics(t, func() {
		n.Notify(srv.URL, []schema.Row{{}})
		n.Notify("http://127.0.0.1:0/unreachable", nil)
		n.Notify("::not a url::", nil)
		n.Notify("", nil)
		n.Wait()
	})
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop{}.Notify("http://example.invalid", nil) })
}

func TestHTTPNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{
		Timeout: time.Second,
		Retry:   RetryPolicy{Attempts: 5, Delay: time.Millisecond, Backoff: BackoffExponential},
	})
	require.NoError(t, n.deliver(srv.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, CircuitClosed, n.breakers.state(srv.URL))
}

func TestHTTPNotifier_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{Retry: RetryPolicy{Attempts: 5}})
	err := n.deliver(srv.URL, []byte(`{}`))
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPNotifier_OpensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{Breaker: &BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}})
	assert.Error(t, n.deliver(srv.URL, nil))
	assert.Error(t, n.deliver(srv.URL, nil))
	assert.ErrorIs(t, n.deliver(srv.URL, nil), ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPNotifier_CloseStopsRetryWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(HTTPConfig{Retry: RetryPolicy{Attempts: 3, Delay: time.Hour}})
	n.Notify(srv.URL, nil)

	start := time.Now()
	n.Close()
	assert.Less(t, time.Since(start), 5*time.Second)
	n.Close()
}
