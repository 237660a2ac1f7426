package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/invoiceflow/internal/streaming"
	"github.com/rendis/invoiceflow/pkg/schema"
)

func newTestApp(t *testing.T) (*app, Config) {
	t.Helper()
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "invoiceflow.db")
	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a, cfg
}

func TestAppHandler_PanelToggle(t *testing.T) {
	a, cfg := newTestApp(t)

	get := func(h http.Handler, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Company-ID", "c-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get(a.handler(cfg), "/api/workflows"))

	cfg.Panel = false
	assert.Equal(t, http.StatusNotFound, get(a.handler(cfg), "/api/workflows"))
}

func TestAppClose_EndsStreams(t *testing.T) {
	a, _ := newTestApp(t)
	ch, _, err := a.hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)

	a.close()
	_, open := <-ch
	assert.False(t, open)
}

func TestAppNotifier_ExportsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, _ := newTestApp(t)
	a.notifier.Notify(srv.URL, []schema.Row{{"invoice_id": 1.0}})
	a.notifier.Wait()

	assert.Equal(t, int32(1), hits.Load(), "a failed export is posted once")
}
