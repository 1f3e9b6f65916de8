// Package core holds the shared data model and configuration for the build
// cache: module identity, input/step/artifact records, build records, the
// project index, and the typed configuration those components are built
// from.
package core

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/hashes"
)

var log = logging.MustGetLogger("core")

// alwaysProcessPlugins is intentionally non-configurable: plugin
// configurations always participate in the fingerprint.
const alwaysProcessPlugins = true

// ModuleId identifies a module within a multi-module reactor.
// Version participates in identification but never in a Fingerprint.
type ModuleId struct {
	Group    string `xml:"groupId"`
	Artifact string `xml:"artifactId"`
	Version  string `xml:"version"`
}

// String returns "group:artifact:version".
func (m ModuleId) String() string {
	return fmt.Sprintf("%s:%s:%s", m.Group, m.Artifact, m.Version)
}

// GAKey returns "group:artifact", the version-independent key used to
// address the fingerprint index and cache paths.
func (m ModuleId) GAKey() string {
	return m.Group + ":" + m.Artifact
}

// Less orders ModuleIds by group then artifact then version, for the
// deterministic sort applied before folding upstream fingerprints into an
// aggregate.
func (m ModuleId) Less(other ModuleId) bool {
	if m.Group != other.Group {
		return m.Group < other.Group
	}
	if m.Artifact != other.Artifact {
		return m.Artifact < other.Artifact
	}
	return m.Version < other.Version
}

// InputFileRecord is one scanned input file.
type InputFileRecord struct {
	RelativePath  string
	ContentDigest hashes.Fingerprint
	SizeBytes     int64
}

// StepExecutionRecord records a single build step's identity, configuration
// digest, and the properties it reported for reconciliation.
type StepExecutionRecord struct {
	PluginID            ModuleId
	ExecutionID         string
	Goal                string
	ConfigurationDigest hashes.Fingerprint
	TrackedProperties   map[string]string
	ObservedProperties  map[string]string
}

// Key identifies a step for pairing with a baseline.
func (s StepExecutionRecord) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.PluginID.GAKey(), s.ExecutionID, s.Goal)
}

// SourceTag records where a BuildRecord came from.
type SourceTag string

const (
	SourceLocal    SourceTag = "LOCAL"
	SourceRemote   SourceTag = "REMOTE"
	SourceBaseline SourceTag = "BASELINE"
)

// ArtifactEntry describes one produced file. The primary artifact of a
// module has a nil Classifier.
type ArtifactEntry struct {
	Filename      string
	Classifier    *string
	Extension     string
	ContentDigest hashes.Fingerprint
	SizeBytes     int64
}

// IsPrimary reports whether this is the module's primary (unclassified) artifact.
func (a ArtifactEntry) IsPrimary() bool { return a.Classifier == nil }

// UpstreamEntry pairs an upstream module with the fingerprint it published.
type UpstreamEntry struct {
	ModuleID    ModuleId
	Fingerprint hashes.Fingerprint
}

// BuildRecord is the immutable record of one successful module build.
type BuildRecord struct {
	SchemaVersion              string
	ModuleID                   ModuleId
	Fingerprint                hashes.Fingerprint
	RuntimeFingerprint         hashes.Fingerprint // runtime-only inputs layered on Fingerprint; may be zero
	HashAlgorithm              hashes.Algorithm
	CacheImplementationVersion string
	TimestampIso8601           string
	SourceTag                  SourceTag
	Steps                      []StepExecutionRecord
	Artifacts                  []ArtifactEntry
	Upstream                   []UpstreamEntry
}

// Artifact returns the artifact entry with the given filename, if any.
func (b *BuildRecord) Artifact(filename string) (ArtifactEntry, bool) {
	for _, a := range b.Artifacts {
		if a.Filename == filename {
			return a, true
		}
	}
	return ArtifactEntry{}, false
}

// Step returns the step matching (pluginId, executionId, goal), if recorded.
func (b *BuildRecord) Step(pluginID ModuleId, executionID, goal string) (StepExecutionRecord, bool) {
	for _, s := range b.Steps {
		if s.PluginID.GAKey() == pluginID.GAKey() && s.ExecutionID == executionID && s.Goal == goal {
			return s, true
		}
	}
	return StepExecutionRecord{}, false
}

// ProjectIndexEntry maps one module to its published fingerprint and, when
// known, the URL of the store that holds its record.
type ProjectIndexEntry struct {
	ModuleID    ModuleId
	Fingerprint hashes.Fingerprint
	StoreURL    *string
}

// ProjectIndex is the per-top-level-build directory of module fingerprints,
// consumed by later builds as a reconciliation baseline.
type ProjectIndex struct {
	BuildID  string
	Projects []ProjectIndexEntry
}

// Entry returns the index entry for a module, if present.
func (p *ProjectIndex) Entry(id ModuleId) (ProjectIndexEntry, bool) {
	for _, e := range p.Projects {
		if e.ModuleID.GAKey() == id.GAKey() {
			return e, true
		}
	}
	return ProjectIndexEntry{}, false
}
