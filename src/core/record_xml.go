package core

import (
	"encoding/xml"
	"sort"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/hashes"
)

// This file holds the on-disk XML layouts for build.xml and
// cache-report.xml. Fingerprints inside build.xml are persisted as bare hex,
// with the algorithm recorded once in the document's hashAlgorithm element;
// the project index has no algorithm element of its own, so its fingerprints
// are persisted in the self-describing "<algo>:<hex>" form instead.

const xmlHeader = xml.Header

type xmlBuildInfo struct {
	XMLName                    xml.Name      `xml:"buildInfo"`
	SchemaVersion              string        `xml:"schemaVersion"`
	CacheImplementationVersion string        `xml:"cacheImplementationVersion"`
	HashAlgorithm              string        `xml:"hashAlgorithm"`
	ModuleID                   ModuleId      `xml:"moduleId"`
	Fingerprint                string        `xml:"fingerprint"`
	RuntimeFingerprint         string        `xml:"runtimeFingerprint,omitempty"`
	Timestamp                  string        `xml:"timestamp"`
	Source                     string        `xml:"source"`
	Steps                      []xmlStep     `xml:"steps>step"`
	Artifacts                  []xmlArtifact `xml:"artifacts>artifact"`
	Upstream                   []xmlUpstream `xml:"upstream>module"`
}

type xmlStep struct {
	PluginID            ModuleId      `xml:"pluginId"`
	ExecutionID         string        `xml:"executionId"`
	Goal                string        `xml:"goal"`
	ConfigurationDigest string        `xml:"configurationDigest"`
	TrackedProperties   []xmlProperty `xml:"trackedProperties>property"`
	ObservedProperties  []xmlProperty `xml:"observedProperties>property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlArtifact struct {
	Filename      string  `xml:"filename"`
	Classifier    *string `xml:"classifier,omitempty"`
	Extension     string  `xml:"extension"`
	ContentDigest string  `xml:"contentDigest"`
	SizeBytes     int64   `xml:"sizeBytes"`
}

type xmlUpstream struct {
	ModuleID    ModuleId `xml:"moduleId"`
	Fingerprint string   `xml:"fingerprint"`
}

// propertiesToXML flattens a property map into name-sorted elements so the
// serialized bytes are identical across runs.
func propertiesToXML(m map[string]string) []xmlProperty {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := make([]xmlProperty, 0, len(keys))
	for _, k := range keys {
		props = append(props, xmlProperty{Name: k, Value: m[k]})
	}
	return props
}

func propertiesFromXML(props []xmlProperty) map[string]string {
	if len(props) == 0 {
		return nil
	}
	m := make(map[string]string, len(props))
	for _, p := range props {
		m[p.Name] = p.Value
	}
	return m
}

// MarshalBuildRecord serializes a BuildRecord into its build.xml layout.
// The output is deterministic for a given record.
func MarshalBuildRecord(b *BuildRecord) ([]byte, error) {
	doc := &xmlBuildInfo{
		SchemaVersion:              b.SchemaVersion,
		CacheImplementationVersion: b.CacheImplementationVersion,
		HashAlgorithm:              string(b.HashAlgorithm),
		ModuleID:                   b.ModuleID,
		Fingerprint:                b.Fingerprint.Hex(),
		Timestamp:                  b.TimestampIso8601,
		Source:                     string(b.SourceTag),
	}
	if !b.RuntimeFingerprint.IsZero() {
		doc.RuntimeFingerprint = b.RuntimeFingerprint.Hex()
	}
	for _, s := range b.Steps {
		doc.Steps = append(doc.Steps, xmlStep{
			PluginID:            s.PluginID,
			ExecutionID:         s.ExecutionID,
			Goal:                s.Goal,
			ConfigurationDigest: s.ConfigurationDigest.Hex(),
			TrackedProperties:   propertiesToXML(s.TrackedProperties),
			ObservedProperties:  propertiesToXML(s.ObservedProperties),
		})
	}
	for _, a := range b.Artifacts {
		doc.Artifacts = append(doc.Artifacts, xmlArtifact{
			Filename:      a.Filename,
			Classifier:    a.Classifier,
			Extension:     a.Extension,
			ContentDigest: a.ContentDigest.Hex(),
			SizeBytes:     a.SizeBytes,
		})
	}
	for _, u := range b.Upstream {
		doc.Upstream = append(doc.Upstream, xmlUpstream{
			ModuleID:    u.ModuleID,
			Fingerprint: u.Fingerprint.Hex(),
		})
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), data...), nil
}

// UnmarshalBuildRecord parses a build.xml document back into a BuildRecord.
// Fingerprints are re-tagged with the document's hashAlgorithm; an unknown
// algorithm fails here rather than being silently substituted.
func UnmarshalBuildRecord(data []byte) (*BuildRecord, error) {
	doc := &xmlBuildInfo{}
	if err := xml.Unmarshal(data, doc); err != nil {
		return nil, cacheerr.StoreIOError("parse-record", "build.xml", err)
	}
	algo := hashes.Algorithm(doc.HashAlgorithm)
	fp, err := parseHexFingerprint(algo, doc.Fingerprint)
	if err != nil {
		return nil, err
	}
	b := &BuildRecord{
		SchemaVersion:              doc.SchemaVersion,
		ModuleID:                   doc.ModuleID,
		Fingerprint:                fp,
		HashAlgorithm:              algo,
		CacheImplementationVersion: doc.CacheImplementationVersion,
		TimestampIso8601:           doc.Timestamp,
		SourceTag:                  SourceTag(doc.Source),
	}
	if doc.RuntimeFingerprint != "" {
		if b.RuntimeFingerprint, err = parseHexFingerprint(algo, doc.RuntimeFingerprint); err != nil {
			return nil, err
		}
	}
	for _, s := range doc.Steps {
		digest, err := parseHexFingerprint(algo, s.ConfigurationDigest)
		if err != nil {
			return nil, err
		}
		b.Steps = append(b.Steps, StepExecutionRecord{
			PluginID:            s.PluginID,
			ExecutionID:         s.ExecutionID,
			Goal:                s.Goal,
			ConfigurationDigest: digest,
			TrackedProperties:   propertiesFromXML(s.TrackedProperties),
			ObservedProperties:  propertiesFromXML(s.ObservedProperties),
		})
	}
	for _, a := range doc.Artifacts {
		digest, err := parseHexFingerprint(algo, a.ContentDigest)
		if err != nil {
			return nil, err
		}
		b.Artifacts = append(b.Artifacts, ArtifactEntry{
			Filename:      a.Filename,
			Classifier:    a.Classifier,
			Extension:     a.Extension,
			ContentDigest: digest,
			SizeBytes:     a.SizeBytes,
		})
	}
	for _, u := range doc.Upstream {
		fp, err := parseHexFingerprint(algo, u.Fingerprint)
		if err != nil {
			return nil, err
		}
		b.Upstream = append(b.Upstream, UpstreamEntry{ModuleID: u.ModuleID, Fingerprint: fp})
	}
	return b, nil
}

func parseHexFingerprint(algo hashes.Algorithm, hex string) (hashes.Fingerprint, error) {
	if hex == "" {
		return hashes.Fingerprint{}, nil
	}
	return hashes.ParseFingerprint(string(algo) + ":" + hex)
}

type xmlCacheReport struct {
	XMLName  xml.Name     `xml:"cacheReport"`
	BuildID  string       `xml:"buildId"`
	Projects []xmlProject `xml:"projects>project"`
}

type xmlProject struct {
	GroupID     string  `xml:"groupId"`
	ArtifactID  string  `xml:"artifactId"`
	Version     string  `xml:"version,omitempty"`
	Fingerprint string  `xml:"fingerprint"`
	URL         *string `xml:"url,omitempty"`
}

// MarshalProjectIndex serializes a ProjectIndex into its cache-report.xml layout.
func MarshalProjectIndex(p *ProjectIndex) ([]byte, error) {
	doc := &xmlCacheReport{BuildID: p.BuildID}
	for _, e := range p.Projects {
		doc.Projects = append(doc.Projects, xmlProject{
			GroupID:     e.ModuleID.Group,
			ArtifactID:  e.ModuleID.Artifact,
			Version:     e.ModuleID.Version,
			Fingerprint: e.Fingerprint.String(),
			URL:         e.StoreURL,
		})
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), data...), nil
}

// UnmarshalProjectIndex parses a cache-report.xml document.
func UnmarshalProjectIndex(data []byte) (*ProjectIndex, error) {
	doc := &xmlCacheReport{}
	if err := xml.Unmarshal(data, doc); err != nil {
		return nil, cacheerr.StoreIOError("parse-report", "cache-report.xml", err)
	}
	p := &ProjectIndex{BuildID: doc.BuildID}
	for _, e := range doc.Projects {
		fp, err := hashes.ParseFingerprint(e.Fingerprint)
		if err != nil {
			return nil, err
		}
		p.Projects = append(p.Projects, ProjectIndexEntry{
			ModuleID:    ModuleId{Group: e.GroupID, Artifact: e.ArtifactID, Version: e.Version},
			Fingerprint: fp,
			StoreURL:    e.URL,
		})
	}
	return p, nil
}
