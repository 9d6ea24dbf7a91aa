package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/storage/sqlite"
	"github.com/yxl/DownloadProvider/internal/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(store, tel).Routes())
	t.Cleanup(srv.Close)

	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)

	return resp
}

func decodeView(t *testing.T, resp *http.Response) downloadView {
	t.Helper()

	defer resp.Body.Close()

	var v downloadView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func TestEnqueueCreatesPendingDownload(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{
		URL:      "http://example.com/report.pdf",
		Hint:     "report.pdf",
		MimeType: "application/pdf",
		Mode:     "public",
		Headers:  []headerEntry{{Name: "X-Token", Value: "abc"}},
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	v := decodeView(t, resp)
	assert.NotZero(t, v.ID)
	assert.Equal(t, int(download.StatusPending), v.Status)

	row, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, download.ModePublic, row.Mode)
	assert.Equal(t, download.NetworkMetered|download.NetworkWifi, row.AllowedNetworkTypes)
	require.Len(t, row.Headers, 1)
	assert.Equal(t, "X-Token", row.Headers[0].Name)
}

func TestEnqueueRejectsMissingURL(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{Hint: "x.bin"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueueRejectsUnknownMode(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{
		URL:  "http://example.com/a",
		Mode: "superuser",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListWithFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, u := range []string{"http://example.com/a", "http://example.com/b"} {
		resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{URL: u})
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/downloads/?filter=status+%3D+%3F&arg=190")
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []downloadView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 2)
}

func TestListRejectsInvalidFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/downloads/?filter=status%3D190%3B+DROP+TABLE+downloads")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseAndResume(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{URL: "http://example.com/a"})
	v := decodeView(t, resp)
	url := srv.URL + "/downloads/" + jsonID(v.ID)

	resp = postJSON(t, url+"/pause", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	row, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, download.ControlPaused, row.Control)

	resp = postJSON(t, url+"/resume", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	row, err = store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, download.ControlRun, row.Control)
}

func TestCancelMarksDeletedAndHides(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/downloads/", enqueueRequest{URL: "http://example.com/a"})
	v := decodeView(t, resp)
	url := srv.URL + "/downloads/" + jsonID(v.ID)

	resp = postJSON(t, url+"/cancel", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	row, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, row.Deleted)

	getResp, err := http.Get(url + "/")
	require.NoError(t, err)

	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestGetUnknownDownload(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/downloads/12345/")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)

	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func jsonID(id int64) string {
	return strconv.FormatInt(id, 10)
}
