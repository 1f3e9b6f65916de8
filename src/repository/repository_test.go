package repository

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/buildcache/src/cache"
	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

var moduleID = core.ModuleId{Group: "org.example", Artifact: "app", Version: "1.0"}

func newLocal(t *testing.T) *cache.LocalStore {
	t.Helper()
	store, err := cache.NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)
	return store
}

func writeArtifact(t *testing.T, content string) (string, core.ArtifactEntry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app-1.0.jar")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	digest, err := hashes.Hash(hashes.SHA256, []byte(content))
	require.NoError(t, err)
	return path, core.ArtifactEntry{
		Filename:      "app-1.0.jar",
		Extension:     "jar",
		ContentDigest: digest,
		SizeBytes:     int64(len(content)),
	}
}

func newRecord(t *testing.T, entries ...core.ArtifactEntry) *core.BuildRecord {
	t.Helper()
	fp, err := hashes.HashString(hashes.SHA256, "inputs")
	require.NoError(t, err)
	return &core.BuildRecord{
		SchemaVersion:              "1.0",
		ModuleID:                   moduleID,
		Fingerprint:                fp,
		HashAlgorithm:              hashes.SHA256,
		CacheImplementationVersion: "1",
		TimestampIso8601:           "2026-08-05T12:00:00Z",
		SourceTag:                  core.SourceLocal,
		Artifacts:                  entries,
	}
}

func TestSaveThenFind(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)

	require.True(t, repo.SaveBuild(record, []ProducedArtifact{{Entry: entry, LocalPath: path}}))

	found, ok := repo.FindBuild(moduleID, record.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, record.Fingerprint, found.Fingerprint)
	assert.Equal(t, core.SourceLocal, found.SourceTag)
	require.Len(t, found.Artifacts, 1)
}

func TestFindMissing(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	fp, err := hashes.HashString(hashes.SHA256, "nothing here")
	require.NoError(t, err)
	_, ok := repo.FindBuild(moduleID, fp)
	assert.False(t, ok)
}

func TestAtMostOneWriter(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)
	artifacts := []ProducedArtifact{{Entry: entry, LocalPath: path}}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.SaveBuild(record, artifacts)
		}(i)
	}
	wg.Wait()
	assert.NotEqual(t, results[0], results[1], "exactly one of two concurrent saves must win")
}

func TestSecondSaveIsSkippedNotRetried(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)
	artifacts := []ProducedArtifact{{Entry: entry, LocalPath: path}}

	assert.True(t, repo.SaveBuild(record, artifacts))
	assert.False(t, repo.SaveBuild(record, artifacts))
}

func TestRestoreArtifactVerifiesDigest(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)
	require.True(t, repo.SaveBuild(record, []ProducedArtifact{{Entry: entry, LocalPath: path}}))

	target := filepath.Join(t.TempDir(), "restored.jar")
	ok, err := repo.RestoreArtifact(record, entry, target)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "jar bytes", string(data))
}

func TestRestoreDigestMismatchDeletesRecord(t *testing.T) {
	local := newLocal(t)
	repo := New(local, nil, "1", hashes.SHA256)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)
	require.True(t, repo.SaveBuild(record, []ProducedArtifact{{Entry: entry, LocalPath: path}}))

	// Corrupt the stored blob behind the repository's back.
	blobPath := cache.ArtifactPath("1", moduleID, record.Fingerprint.Hex(), entry.Filename)
	require.NoError(t, local.Put(blobPath, []byte("tampered")))

	target := filepath.Join(t.TempDir(), "restored.jar")
	_, err := repo.RestoreArtifact(record, entry, target)
	require.Error(t, err)
	kind, ok := cacheerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, cacheerr.Integrity, kind)

	// The corrupted record must be gone so the next build misses cleanly.
	_, found := repo.FindBuild(moduleID, record.Fingerprint)
	assert.False(t, found)
}

func TestRestoreMissingArtifact(t *testing.T) {
	repo := New(newLocal(t), nil, "1", hashes.SHA256)
	_, entry := writeArtifact(t, "never saved")
	record := newRecord(t, entry)
	ok, err := repo.RestoreArtifact(record, entry, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteHitIsBackfilledLocally(t *testing.T) {
	// A second LocalStore stands in for the remote; it satisfies the same
	// BlobStore contract.
	local := newLocal(t)
	remote := newLocal(t)
	path, entry := writeArtifact(t, "jar bytes")
	record := newRecord(t, entry)

	// Populate only the "remote".
	seed := New(remote, nil, "1", hashes.SHA256)
	require.True(t, seed.SaveBuild(record, []ProducedArtifact{{Entry: entry, LocalPath: path}}))

	repo := New(local, remote, "1", hashes.SHA256)
	found, ok := repo.FindBuild(moduleID, record.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, core.SourceRemote, found.SourceTag)

	// The record is now locally cached, so a local-only lookup hits too.
	localOnly := New(local, nil, "1", hashes.SHA256)
	_, ok = localOnly.FindBuild(moduleID, record.Fingerprint)
	assert.True(t, ok)
}

func TestSaveReport(t *testing.T) {
	local := newLocal(t)
	repo := New(local, nil, "1", hashes.SHA256)
	fp, err := hashes.HashString(hashes.SHA256, "app")
	require.NoError(t, err)
	index := &core.ProjectIndex{
		BuildID:  "build-1",
		Projects: []core.ProjectIndexEntry{{ModuleID: moduleID, Fingerprint: fp}},
	}
	require.NoError(t, repo.SaveReport("build-1", index))

	data, ok, err := local.Get(cache.ReportPath("build-1"))
	require.NoError(t, err)
	require.True(t, ok)
	parsed, err := core.UnmarshalProjectIndex(data)
	require.NoError(t, err)
	assert.Equal(t, index, parsed)
}
