// Package cache implements the BlobStore contract: a local, bounded-size
// filesystem store and a thin remote HTTP store, both addressed by the
// opaque cache-path convention
// "v<cacheImplementationVersion>/<groupId>/<artifactId>/<fingerprintHex>/<filename>".
// The local-then-remote lookup with backfill lives in the repository
// package, not here.
package cache

import (
	"path"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/core"
)

var log = logging.MustGetLogger("cache")

// BlobStore is the storage contract every cache backend implements.
type BlobStore interface {
	// Get returns the bytes at path, or ok=false if absent.
	Get(path string) (data []byte, ok bool, err error)
	// GetToFile streams path's bytes into localTarget, returning ok=false if absent.
	GetToFile(path string, localTarget string) (ok bool, err error)
	// Put writes data at path, overwriting any existing blob.
	Put(path string, data []byte) error
	// PutFile streams localFile's bytes to path, overwriting any existing blob.
	PutFile(path string, localFile string) error
	// PutIfAbsent writes data at path only if nothing exists there yet. It
	// returns created=false without error if path was already occupied —
	// the primitive the repository package uses for lock objects.
	PutIfAbsent(path string, data []byte) (created bool, err error)
	// Delete removes the blob at path. Only the local store supports it;
	// remote implementations return nil unconditionally since there is
	// nothing transient to remove.
	Delete(path string) error
	// Writable reports whether Put/PutIfAbsent/Delete are expected to succeed.
	Writable() bool
}

// ArtifactPath builds the cache path for one artifact of a build record.
func ArtifactPath(cacheImplementationVersion string, id core.ModuleId, fp, filename string) string {
	return path.Join("v"+cacheImplementationVersion, id.Group, id.Artifact, fp, filename)
}

// RecordPath builds the cache path for a module's BuildRecord document.
func RecordPath(cacheImplementationVersion string, id core.ModuleId, fp string) string {
	return ArtifactPath(cacheImplementationVersion, id, fp, "build.xml")
}

// LockPath builds the path of the at-most-one-writer lock object for a record.
func LockPath(recordPath string) string {
	return recordPath + ".lock"
}

// ReportPath builds the cache path for a top-level build's ProjectIndex document.
func ReportPath(buildID string) string {
	return path.Join("reports", buildID, "cache-report.xml")
}
