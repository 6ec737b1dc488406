package alwaysoffline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/always-offline/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func decodeJSON(t *testing.T, rw *httptest.ResponseRecorder, v any) {
	t.Helper()
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), v))
}

func TestControlMessageCacheURLs(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.set("/offline-article", "article")
	r := newTestRegistration(network)
	w := newTestWorker(t, storage, network, DefaultOptions())
	require.NoError(t, r.Register(context.Background(), w))
	h := r.Handler()

	rw := doRequest(t, h, http.MethodPost, "/.offline/message", `{"type":"CACHE_URLS","payload":["/offline-article"]}`)
	require.Equal(t, http.StatusOK, rw.Code)
	var reply Reply
	decodeJSON(t, rw, &reply)
	assert.True(t, reply.Success)
	assert.Equal(t, `{"success":true}`, strings.TrimSpace(rw.Body.String()))
	assert.Equal(t, []string{"https://example.com/offline-article"}, partitionKeys(t, storage, w.Options().DynamicCache))

	rw = doRequest(t, h, http.MethodPost, "/.offline/message", `{"type":"CACHE_URLS","payload":["/gone"]}`)
	require.Equal(t, http.StatusOK, rw.Code)
	reply = Reply{}
	decodeJSON(t, rw, &reply)
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "NETWORK_ERROR", reply.Error.Code)
}

func TestControlMessageErrors(t *testing.T) {
	r := newTestRegistration(newFakeNetwork())
	h := r.Handler()

	rw := doRequest(t, h, http.MethodPost, "/.offline/message", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
	var res map[string]any
	decodeJSON(t, rw, &res)
	assert.Equal(t, "INVALID_INPUT", res["code"])

	rw = doRequest(t, h, http.MethodPost, "/.offline/message", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
}

func TestControlMessageSkipWaiting(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	r := newTestRegistration(network)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, newTestWorker(t, storage, network, versionOptions("v1"))))
	options := versionOptions("v2")
	options.WaitForSkip = true
	v2 := newTestWorker(t, storage, network, options)
	require.NoError(t, r.Register(ctx, v2))

	rw := doRequest(t, r.Handler(), http.MethodPost, "/.offline/message", `{"type":"SKIP_WAITING"}`)

	assert.Equal(t, http.StatusAccepted, rw.Code)
	assert.Same(t, v2, r.Active())
}

func TestControlClients(t *testing.T) {
	network := newFakeNetwork()
	r := newTestRegistration(network)
	require.NoError(t, r.Register(context.Background(), newTestWorker(t, cache.NewMemStorage(), network, DefaultOptions())))
	h := r.Handler()

	rw := doRequest(t, h, http.MethodPost, "/.offline/clients", "")
	require.Equal(t, http.StatusCreated, rw.Code)
	var client Client
	decodeJSON(t, rw, &client)
	assert.Equal(t, "v1", client.Controller)

	rw = doRequest(t, h, http.MethodGet, "/.offline/clients/"+client.ID.String(), "")
	require.Equal(t, http.StatusOK, rw.Code)
	var got Client
	decodeJSON(t, rw, &got)
	assert.Equal(t, client.ID, got.ID)

	rw = doRequest(t, h, http.MethodGet, "/.offline/clients/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	rw = doRequest(t, h, http.MethodGet, "/.offline/clients/00000000-0000-0000-0000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestControlSync(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	r := newTestRegistration(network)
	w := newTestWorker(t, storage, network, DefaultOptions())
	h := r.Handler()

	rw := doRequest(t, h, http.MethodPost, "/.offline/sync/cache-cleanup", "")
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)

	require.NoError(t, r.Register(context.Background(), w))
	keys := fillDynamic(t, storage, w, 55)

	rw = doRequest(t, h, http.MethodPost, "/.offline/sync/cache-cleanup", "")
	assert.Equal(t, http.StatusNoContent, rw.Code)
	assert.Equal(t, keys[5:], partitionKeys(t, storage, w.Options().DynamicCache))
}

func TestControlStatus(t *testing.T) {
	network := newFakeNetwork()
	r := newTestRegistration(network)
	h := r.Handler()

	rw := doRequest(t, h, http.MethodGet, "/.offline/status", "")
	require.Equal(t, http.StatusOK, rw.Code)
	var status registrationStatus
	decodeJSON(t, rw, &status)
	assert.Nil(t, status.Active)

	w := newTestWorker(t, cache.NewMemStorage(), network, DefaultOptions())
	require.NoError(t, r.Register(context.Background(), w))
	rw = doRequest(t, h, http.MethodGet, "/.offline/status", "")
	status = registrationStatus{}
	decodeJSON(t, rw, &status)
	require.NotNil(t, status.Active)
	assert.Equal(t, "v1", status.Active.Version)
	assert.Equal(t, "activated", status.Active.State)
	assert.Equal(t, "offline-static-v1", status.Active.StaticCache)
	assert.Equal(t, w.ID().String(), status.Active.ID)
}

func TestHandlerServesSite(t *testing.T) {
	network := newFakeNetwork()
	network.set("/api/items", "items")
	r := newTestRegistration(network)
	require.NoError(t, r.Register(context.Background(), newTestWorker(t, cache.NewMemStorage(), network, DefaultOptions())))
	h := r.Handler()

	rw := doRequest(t, h, http.MethodGet, "/api/items", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "items", rw.Body.String())

	rw = doRequest(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "home", rw.Body.String())
}
