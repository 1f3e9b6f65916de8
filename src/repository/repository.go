// Package repository binds fingerprints to build-record locations:
// it looks up records local-first with remote backfill, restores artifacts
// with digest verification, and saves completed builds under the
// at-most-one-writer lock.
package repository

import (
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/cache"
	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

var log = logging.MustGetLogger("repository")

// ProducedArtifact pairs an artifact manifest entry with the local file the
// build left behind for it.
type ProducedArtifact struct {
	Entry     core.ArtifactEntry
	LocalPath string
}

// Repository is the CacheRepository: find/restore/save over one local store
// and an optional remote one.
type Repository struct {
	local   cache.BlobStore
	remote  cache.BlobStore // nil when no remote is configured
	version string          // cacheImplementationVersion, first path segment
	algo    hashes.Algorithm
}

// New returns a repository over the given stores. remote may be nil.
func New(local, remote cache.BlobStore, cacheImplementationVersion string, algo hashes.Algorithm) *Repository {
	return &Repository{local: local, remote: remote, version: cacheImplementationVersion, algo: algo}
}

// FindBuild looks up the record for (id, fingerprint), local store first,
// then remote. A record found remotely is copied into the local store so the
// next lookup hits locally. Store read errors degrade to "absent" with a
// warning; they are never surfaced to the caller.
func (r *Repository) FindBuild(id core.ModuleId, fp hashes.Fingerprint) (*core.BuildRecord, bool) {
	recordPath := cache.RecordPath(r.version, id, fp.Hex())
	if data, ok := r.get(r.local, recordPath); ok {
		if record := r.parse(data, recordPath); record != nil {
			record.SourceTag = core.SourceLocal
			return record, true
		}
	}
	if r.remote == nil {
		return nil, false
	}
	data, ok := r.get(r.remote, recordPath)
	if !ok {
		return nil, false
	}
	record := r.parse(data, recordPath)
	if record == nil {
		return nil, false
	}
	// Backfill the local store; the local Put is atomic (temp file + rename)
	// so a concurrent reader never observes a partial record.
	if err := r.local.Put(recordPath, data); err != nil {
		log.Warning("Failed to backfill %s into local cache: %s", recordPath, err)
	}
	record.SourceTag = core.SourceRemote
	return record, true
}

func (r *Repository) get(store cache.BlobStore, path string) ([]byte, bool) {
	data, ok, err := store.Get(path)
	if err != nil {
		log.Warning("Cache read of %s failed, treating as absent: %s", path, err)
		return nil, false
	}
	return data, ok
}

func (r *Repository) parse(data []byte, path string) *core.BuildRecord {
	record, err := core.UnmarshalBuildRecord(data)
	if err != nil {
		log.Warning("Unparseable build record at %s, treating as absent: %s", path, err)
		return nil
	}
	return record
}

// RestoreArtifact transfers one recorded artifact to targetPath and verifies
// its content digest. It returns false when the blob is absent from every
// store. A digest mismatch is fatal: the corrupted local record is deleted
// and an IntegrityError returned.
func (r *Repository) RestoreArtifact(record *core.BuildRecord, entry core.ArtifactEntry, targetPath string) (bool, error) {
	blobPath := cache.ArtifactPath(r.version, record.ModuleID, record.Fingerprint.Hex(), entry.Filename)
	ok, err := r.local.GetToFile(blobPath, targetPath)
	if err != nil {
		log.Warning("Local cache read of %s failed, treating as absent: %s", blobPath, err)
		ok = false
	}
	if !ok && r.remote != nil {
		ok, err = r.remote.GetToFile(blobPath, targetPath)
		if err != nil {
			log.Warning("Remote cache read of %s failed, treating as absent: %s", blobPath, err)
			ok = false
		}
		if ok {
			if err := r.local.PutFile(blobPath, targetPath); err != nil {
				log.Warning("Failed to backfill %s into local cache: %s", blobPath, err)
			}
		}
	}
	if !ok {
		return false, nil
	}
	digest, err := fileDigest(targetPath, r.algo)
	if err != nil {
		return false, cacheerr.StoreIOError("restore", targetPath, err)
	}
	if !digest.Equal(entry.ContentDigest) {
		log.Error("Digest mismatch restoring %s: recorded %s, got %s; deleting record", entry.Filename, entry.ContentDigest, digest)
		r.DeleteRecord(record)
		os.Remove(targetPath)
		return false, cacheerr.IntegrityError(blobPath, errDigestMismatch{want: entry.ContentDigest, got: digest})
	}
	return true, nil
}

type errDigestMismatch struct {
	want, got hashes.Fingerprint
}

func (e errDigestMismatch) Error() string {
	return "content digest mismatch: recorded " + e.want.String() + ", found " + e.got.String()
}

// SaveBuild persists a completed build: it takes the at-most-one-writer lock,
// writes every artifact blob, then the record last, so any reader that
// observes the record can also retrieve everything it references.
// The lock is the record path plus ".lock", created with PutIfAbsent on the
// local store only; the remote copy is written without a lock.
// It returns false when the save was skipped, either because another writer
// holds the lock or because a store write failed; write failures degrade to
// save-skipped with a warning and are never fatal.
func (r *Repository) SaveBuild(record *core.BuildRecord, artifacts []ProducedArtifact) bool {
	recordPath := cache.RecordPath(r.version, record.ModuleID, record.Fingerprint.Hex())
	created, err := r.local.PutIfAbsent(cache.LockPath(recordPath), []byte(record.TimestampIso8601))
	if err != nil {
		log.Warning("Failed to take save lock for %s, skipping save: %s", recordPath, err)
		return false
	}
	if !created {
		log.Debug("Record %s already being written by another producer, skipping save", recordPath)
		return false
	}

	data, err := core.MarshalBuildRecord(record)
	if err != nil {
		log.Warning("Failed to serialize record for %s, skipping save: %s", recordPath, err)
		return false
	}
	if !r.saveTo(r.local, record, data, artifacts) {
		return false
	}
	if r.remote != nil && r.remote.Writable() {
		// A remote failure only skips the remote copy; the local save stands.
		if !r.saveTo(r.remote, record, data, artifacts) {
			log.Warning("Remote save of %s skipped", recordPath)
		}
	}
	return true
}

// saveTo writes artifacts concurrently, then the record. Artifact order
// within the blob writes doesn't matter because the record goes last.
func (r *Repository) saveTo(store cache.BlobStore, record *core.BuildRecord, recordData []byte, artifacts []ProducedArtifact) bool {
	recordPath := cache.RecordPath(r.version, record.ModuleID, record.Fingerprint.Hex())
	var g errgroup.Group
	for _, a := range artifacts {
		a := a
		g.Go(func() error {
			blobPath := cache.ArtifactPath(r.version, record.ModuleID, record.Fingerprint.Hex(), a.Entry.Filename)
			return store.PutFile(blobPath, a.LocalPath)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warning("Failed to write artifacts for %s, skipping save: %s", recordPath, err)
		return false
	}
	if err := store.Put(recordPath, recordData); err != nil {
		log.Warning("Failed to write record %s, skipping save: %s", recordPath, err)
		return false
	}
	return true
}

// DeleteRecord removes a record and its artifact blobs from the local store.
// Used when a restore detects corruption.
func (r *Repository) DeleteRecord(record *core.BuildRecord) {
	recordPath := cache.RecordPath(r.version, record.ModuleID, record.Fingerprint.Hex())
	for _, a := range record.Artifacts {
		blobPath := cache.ArtifactPath(r.version, record.ModuleID, record.Fingerprint.Hex(), a.Filename)
		if err := r.local.Delete(blobPath); err != nil {
			log.Warning("Failed to delete %s: %s", blobPath, err)
		}
	}
	if err := r.local.Delete(recordPath); err != nil {
		log.Warning("Failed to delete %s: %s", recordPath, err)
	}
	if err := r.local.Delete(cache.LockPath(recordPath)); err != nil {
		log.Warning("Failed to delete %s: %s", cache.LockPath(recordPath), err)
	}
}

// SaveReport writes the top-level build's ProjectIndex, locally and (when
// writable) remotely. One-shot per build.
func (r *Repository) SaveReport(buildID string, index *core.ProjectIndex) error {
	data, err := core.MarshalProjectIndex(index)
	if err != nil {
		return err
	}
	reportPath := cache.ReportPath(buildID)
	if err := r.local.Put(reportPath, data); err != nil {
		return err
	}
	if r.remote != nil && r.remote.Writable() {
		if err := r.remote.Put(reportPath, data); err != nil {
			log.Warning("Failed to write report %s remotely: %s", reportPath, err)
		}
	}
	return nil
}

// fileDigest streams path through the configured algorithm.
func fileDigest(path string, algo hashes.Algorithm) (hashes.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	defer f.Close()
	h, err := hashes.NewHasher(algo)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return hashes.Fingerprint{}, err
		}
	}
	return h.Finish(), nil
}
