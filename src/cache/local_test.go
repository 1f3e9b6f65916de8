package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutAndGet(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, store.Put("v1/g/a/deadbeef/build.xml", []byte("hello")))
	data, ok, err := store.Get("v1/g/a/deadbeef/build.xml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestLocalStoreGetMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)
	_, ok, err := store.Get("v1/g/a/missing/build.xml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorePutIfAbsent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)

	created, err := store.PutIfAbsent("v1/g/a/fp/build.xml.lock", []byte("x"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.PutIfAbsent("v1/g/a/fp/build.xml.lock", []byte("y"))
	require.NoError(t, err)
	assert.False(t, created, "a second writer must never acquire the same lock")
}

func TestLocalStoreGetToFile(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, store.Put("v1/g/a/fp/out.jar", []byte("binary")))

	dest := filepath.Join(t.TempDir(), "out.jar")
	ok, err := store.GetToFile("v1/g/a/fp/out.jar", dest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStoreEvictsLeastRecentlyUsedBuilds(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, store.Put("v1/g/a/old/build.xml", []byte("old")))
	require.NoError(t, store.Put("v1/g/a/new/build.xml", []byte("new")))

	// Touch "new" so its atime is later than "old"'s.
	_, _, _ = store.Get("v1/g/a/new/build.xml")

	require.NoError(t, store.Evict())

	_, okOld, _ := store.Get("v1/g/a/old/build.xml")
	_, okNew, _ := store.Get("v1/g/a/new/build.xml")
	assert.False(t, okOld || !okNew, "eviction should favor keeping the most recently accessed build")
}

func TestLocalStoreNeverEvictsReferencedBuild(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, store.Put("v1/g/a/one/build.xml", []byte("1")))
	require.NoError(t, store.Put("v1/g/a/two/build.xml", []byte("2")))
	// Reference "one" as if the ongoing build still needs it.
	_, _, _ = store.Get("v1/g/a/one/build.xml")

	require.NoError(t, store.Evict())

	_, ok, _ := store.Get("v1/g/a/one/build.xml")
	assert.True(t, ok, "a referenced build must survive eviction")
}
