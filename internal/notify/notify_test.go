package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yxl/DownloadProvider/internal/download"
)

func TestWebhookSinkPostsEvent(t *testing.T) {
	var got Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := &WebhookSink{URL: srv.URL, Client: srv.Client()}

	err := sink.post(context.Background(), Event{
		ID:         42,
		Status:     download.StatusSuccess,
		Package:    "com.example.app",
		ContentURI: "/data/downloads/report.pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, download.StatusSuccess, got.Status)
	assert.Equal(t, "com.example.app", got.Package)
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &WebhookSink{URL: srv.URL, Client: srv.Client()}

	err := sink.post(context.Background(), Event{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMultiFansOut(t *testing.T) {
	var calls []int64

	a := sinkFunc(func(ev Event) { calls = append(calls, ev.ID) })
	b := sinkFunc(func(ev Event) { calls = append(calls, ev.ID*10) })

	Multi{a, b}.DownloadCompleted(context.Background(), Event{ID: 7})

	assert.Equal(t, []int64{7, 70}, calls)
}

type sinkFunc func(ev Event)

func (f sinkFunc) DownloadCompleted(_ context.Context, ev Event) { f(ev) }
func (f sinkFunc) PausedDueToSize(context.Context, int64, bool)  {}
func (f sinkFunc) CancelNotification(int64)                      {}
