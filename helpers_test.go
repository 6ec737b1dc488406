package alwaysoffline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/always-cache/always-offline/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

var testScope = url.URL{Scheme: "https", Host: "example.com"}

// fakeNetwork serves fixed bodies by path and counts calls per URL.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]string
	calls   map[string]int
	offline bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages: map[string]string{
			"/":              "home",
			"/manifest.json": `{"name":"site"}`,
			"/favicon.ico":   "icon",
		},
		calls: map[string]int{},
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL.String()]++
	if n.offline {
		return nil, errOffline
	}
	body, ok := n.pages[req.URL.Path]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	return &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain"},
		},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) set(path, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[path] = body
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callsFor(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestWorker(t *testing.T, storage cache.Storage, network Network, options Options) *Worker {
	t.Helper()
	w, err := CreateWorker(Config{
		Options: options,
		Storage: storage,
		Network: network,
		Scope:   testScope,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return w
}

// activeWorker returns an installed and activated worker with default options.
func activeWorker(t *testing.T, storage cache.Storage, network Network) *Worker {
	t.Helper()
	w := newTestWorker(t, storage, network, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx))
	require.Equal(t, StateActivated, w.State())
	return w
}

func newRequest(t *testing.T, method, rawURL, dest string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return req
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func partitionKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	partition, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := partition.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

// failingStorage fails deleting the named partitions.
type failingStorage struct {
	cache.Storage
	failDelete map[string]bool
}

func (s *failingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, errors.New("delete failed")
	}
	return s.Storage.Delete(ctx, name)
}
