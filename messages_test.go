package alwaysoffline

import (
	"context"
	"testing"
	"time"

	"github.com/always-cache/always-offline/cache"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForReply(t *testing.T, port MessagePort) Reply {
	t.Helper()
	select {
	case reply := <-port:
		return reply
	case <-time.After(5 * time.Second):
		t.Fatalf("No reply received")
		return Reply{}
	}
}

func TestCacheURLs(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.set("/blog/1", "one")
	network.set("/blog/2", "two")
	w := activeWorker(t, storage, network)
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{
		Type:    MessageCacheURLs,
		Payload: []string{"/blog/1", "https://example.com/blog/2"},
	}, port)

	reply := waitForReply(t, port)
	assert.True(t, reply.Success)
	assert.Nil(t, reply.Error)
	assert.ElementsMatch(t, []string{
		"https://example.com/blog/1",
		"https://example.com/blog/2",
	}, partitionKeys(t, storage, w.Options().DynamicCache))
}

func TestCacheURLsFailure(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	network.set("/blog/1", "one")
	w := activeWorker(t, storage, network)
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{
		Type:    MessageCacheURLs,
		Payload: []string{"/blog/1", "/unreachable"},
	}, port)

	reply := waitForReply(t, port)
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(perrors.CodeNetwork), reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "https://example.com/unreachable")
	// the worker keeps working
	require.NoError(t, w.Settle())
	assert.Equal(t, StateActivated, w.State())
	assert.Empty(t, partitionKeys(t, storage, w.Options().DynamicCache))
}

func TestCacheURLsOffline(t *testing.T) {
	network := newFakeNetwork()
	w := activeWorker(t, cache.NewMemStorage(), network)
	network.setOffline(true)
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{Type: MessageCacheURLs, Payload: []string{"/"}}, port)

	reply := waitForReply(t, port)
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(perrors.CodeNetwork), reply.Error.Code)
}

func TestCacheURLsWithoutPort(t *testing.T) {
	storage := cache.NewMemStorage()
	w := activeWorker(t, storage, newFakeNetwork())

	w.HandleMessage(context.Background(), Message{Type: MessageCacheURLs, Payload: []string{"/"}})

	require.NoError(t, w.Settle())
	assert.Equal(t, []string{"https://example.com/"}, partitionKeys(t, storage, w.Options().DynamicCache))
}

func TestCacheURLsWithoutPayload(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	w := activeWorker(t, storage, network)
	calls := network.totalCalls()
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{Type: MessageCacheURLs}, port)

	reply := waitForReply(t, port)
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(perrors.CodeInvalidInput), reply.Error.Code)
	assert.Equal(t, calls, network.totalCalls())

	// an empty list is valid and caches nothing
	w.HandleMessage(context.Background(), Message{Type: MessageCacheURLs, Payload: []string{}}, port)
	assert.True(t, waitForReply(t, port).Success)
}

func TestCacheURLsOnRedundantWorker(t *testing.T) {
	storage := cache.NewMemStorage()
	w := activeWorker(t, storage, newFakeNetwork())
	require.NoError(t, w.Close())
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{Type: MessageCacheURLs, Payload: []string{"/"}}, port)

	reply := waitForReply(t, port)
	assert.False(t, reply.Success)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(perrors.CodeUnavailable), reply.Error.Code)
	has, err := storage.Has(context.Background(), w.Options().DynamicCache)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSkipWaitingMessage(t *testing.T) {
	options := DefaultOptions()
	options.WaitForSkip = true
	w := newTestWorker(t, cache.NewMemStorage(), newFakeNetwork(), options)
	require.NoError(t, w.Install(context.Background()))
	require.False(t, w.SkippedWaiting())

	w.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting})

	assert.True(t, w.SkippedWaiting())
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newFakeNetwork()
	w := activeWorker(t, storage, network)
	calls := network.totalCalls()
	port := make(MessagePort, 1)

	w.HandleMessage(context.Background(), Message{Type: "CLEAR_EVERYTHING", Payload: []string{"/"}}, port)

	require.NoError(t, w.Settle())
	assert.Empty(t, port)
	assert.Equal(t, calls, network.totalCalls())
}

func TestPostMessageDoesNotBlock(t *testing.T) {
	port := make(MessagePort)
	assert.False(t, port.PostMessage(Reply{Success: true}))

	port = make(MessagePort, 1)
	assert.True(t, port.PostMessage(Reply{Success: true}))
	assert.False(t, port.PostMessage(Reply{Success: true}))
}
