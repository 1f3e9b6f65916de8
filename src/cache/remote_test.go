package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T, handler http.HandlerFunc, writable bool) *RemoteStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store := NewRemoteStore(RemoteStoreConfig{
		BaseURL:        server.URL,
		Writable:       writable,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
	})
	t.Cleanup(store.Shutdown)
	return store
}

func TestRemoteGet(t *testing.T) {
	store := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/g/a/fp/build.xml", r.URL.Path)
		w.Write([]byte("record"))
	}, false)

	data, ok, err := store.Get("v1/g/a/fp/build.xml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "record", string(data))
}

func TestRemoteGetAbsentIsNotAnError(t *testing.T) {
	store := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, false)
	_, ok, err := store.Get("v1/g/a/fp/build.xml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteGetUnreachableSurfacesStoreError(t *testing.T) {
	store := NewRemoteStore(RemoteStoreConfig{
		// Reserved TEST-NET-1 address; nothing listens there.
		BaseURL:        "http://192.0.2.1:9",
		ConnectTimeout: 50 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
	})
	defer store.Shutdown()
	_, _, err := store.Get("v1/g/a/fp/build.xml")
	assert.Error(t, err)
}

func TestRemoteOfflineReadsAreAbsent(t *testing.T) {
	store := NewRemoteStore(RemoteStoreConfig{BaseURL: "http://192.0.2.1:9", Offline: true})
	defer store.Shutdown()
	_, ok, err := store.Get("v1/g/a/fp/build.xml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteOfflineWritesAreNoOps(t *testing.T) {
	store := NewRemoteStore(RemoteStoreConfig{BaseURL: "http://192.0.2.1:9", Writable: true, Offline: true})
	defer store.Shutdown()
	assert.NoError(t, store.Put("v1/g/a/fp/build.xml", []byte("x")))
}

func TestRemotePutRequiresWritable(t *testing.T) {
	requests := 0
	store := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
	}, false)
	require.NoError(t, store.Put("v1/g/a/fp/build.xml", []byte("x")))
	assert.Zero(t, requests, "a read-only remote never sees a PUT")
}

func TestRemotePutIfAbsentHonorsPrecondition(t *testing.T) {
	store := newTestRemote(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusPreconditionFailed)
	}, true)
	created, err := store.PutIfAbsent("v1/g/a/fp/build.xml.lock", []byte("x"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSessionPoolReusesReleasedSessions(t *testing.T) {
	pool := NewSessionPool(time.Second, time.Second)
	first := pool.Acquire()
	pool.Release(first)
	assert.Equal(t, 1, pool.Size())
	assert.Same(t, first, pool.Acquire(), "an idle session is handed back out")

	// With nothing idle the pool grows on demand.
	second := pool.Acquire()
	assert.NotSame(t, first, second)
	pool.Release(first)
	pool.Release(second)
	assert.Equal(t, 2, pool.Size())

	pool.Drain()
	assert.Zero(t, pool.Size())
}
