// Package report aggregates per-module outcomes into the per-build
// ProjectIndex and reads a previously published index back as the
// reconciliation baseline.
package report

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/cache"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

var log = logging.MustGetLogger("report")

// NewBuildID returns a fresh identifier for one top-level build.
func NewBuildID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// Exceedingly unlikely; the zero UUID still produces a usable path.
		log.Warning("Failed to generate build id: %s", err)
	}
	return id.String()
}

// Reporter collects one entry per completed module. Safe for concurrent use
// by the per-module worker threads.
type Reporter struct {
	mutex   sync.Mutex
	entries map[string]core.ProjectIndexEntry
}

// New returns an empty Reporter.
func New() *Reporter {
	return &Reporter{entries: map[string]core.ProjectIndexEntry{}}
}

// Record notes a module's published fingerprint. storeURL may be empty when
// the record only exists locally. The first entry for a module wins; modules
// are built once per reactor run.
func (r *Reporter) Record(id core.ModuleId, fp hashes.Fingerprint, storeURL string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, present := r.entries[id.GAKey()]; present {
		log.Warning("Duplicate report entry for %s, keeping the first", id)
		return
	}
	entry := core.ProjectIndexEntry{ModuleID: id, Fingerprint: fp}
	if storeURL != "" {
		entry.StoreURL = &storeURL
	}
	r.entries[id.GAKey()] = entry
}

// Index snapshots the collected entries into a ProjectIndex. Entries are
// sorted by module id so identical inputs yield identical bytes.
func (r *Reporter) Index(buildID string) *core.ProjectIndex {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	index := &core.ProjectIndex{BuildID: buildID}
	for _, e := range r.entries {
		index.Projects = append(index.Projects, e)
	}
	sort.Slice(index.Projects, func(i, j int) bool {
		return index.Projects[i].ModuleID.Less(index.Projects[j].ModuleID)
	})
	return index
}

// LoadBaseline reads a published ProjectIndex from the root of a baseline
// store. Absence and read errors both yield ok=false; a baseline is an
// optimization input, never a build dependency.
func LoadBaseline(store cache.BlobStore) (*core.ProjectIndex, bool) {
	data, ok, err := store.Get("cache-report.xml")
	if err != nil {
		log.Warning("Failed to fetch baseline index: %s", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	index, err := core.UnmarshalProjectIndex(data)
	if err != nil {
		log.Warning("Unparseable baseline index: %s", err)
		return nil, false
	}
	return index, true
}

// LoadBaselineRecord fetches one module's baseline BuildRecord via the path
// reconstructed from its index entry.
func LoadBaselineRecord(store cache.BlobStore, cacheImplementationVersion string, entry core.ProjectIndexEntry) (*core.BuildRecord, bool) {
	path := cache.RecordPath(cacheImplementationVersion, entry.ModuleID, entry.Fingerprint.Hex())
	data, ok, err := store.Get(path)
	if err != nil {
		log.Warning("Failed to fetch baseline record %s: %s", path, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	record, err := core.UnmarshalBuildRecord(data)
	if err != nil {
		log.Warning("Unparseable baseline record %s: %s", path, err)
		return nil, false
	}
	record.SourceTag = core.SourceBaseline
	return record, true
}
