// Package fingerprint folds a module's identity, canonicalized descriptor,
// plugin configuration, scanned inputs, and upstream fingerprints into one
// Fingerprint, and publishes the result on a cross-module index.
package fingerprint

import (
	"bytes"
	"encoding/xml"
	"sort"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/cmap"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

// Index is the cross-module, append-only fingerprint publication board:
// one writer per moduleId, many waiting readers.
type Index struct {
	m *cmap.Map[string, hashes.Fingerprint]
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{m: cmap.New[string, hashes.Fingerprint](cmap.DefaultShardCount, cmap.XXHash)}
}

// Publish records id's fingerprint. It returns false if id was already
// published (a module fingerprint is computed at most once).
func (idx *Index) Publish(id core.ModuleId, fp hashes.Fingerprint) bool {
	return idx.m.Add(id.GAKey(), fp)
}

// Await blocks until id's fingerprint is published, or returns immediately if
// it already has been.
func (idx *Index) Await(id core.ModuleId) hashes.Fingerprint {
	fp, wait, _ := idx.m.GetOrWait(id.GAKey())
	if wait == nil {
		return fp
	}
	<-wait
	fp, _, _ = idx.m.GetOrWait(id.GAKey())
	return fp
}

// PluginDigest is one plugin's (coordinates, configuration) pair reduced to
// a single Fingerprint, folded into the module fingerprint's plugin term.
type PluginDigest struct {
	Coordinates core.ModuleId
	Fingerprint hashes.Fingerprint
}

// UpstreamFingerprint pairs an upstream module with its published fingerprint.
type UpstreamFingerprint struct {
	ModuleID    core.ModuleId
	Fingerprint hashes.Fingerprint
}

// Inputs bundles everything ProjectFingerprinter needs to compute one
// module's fingerprint.
type Inputs struct {
	CacheImplementationVersion string
	ModuleID                   core.ModuleId
	EffectiveDescriptor        []byte // already canonicalized, see CanonicalizeDescriptor
	Plugins                    []PluginDigest
	Files                      []core.InputFileRecord
	Upstream                   []UpstreamFingerprint
}

// Fingerprint combines everything that affects a module's build output into
// its content fingerprint.
func Fingerprint(algo hashes.Algorithm, in Inputs) (hashes.Fingerprint, error) {
	versionFp, err := hashes.HashString(algo, in.CacheImplementationVersion)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	groupFp, err := hashes.HashString(algo, in.ModuleID.Group)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	artifactFp, err := hashes.HashString(algo, in.ModuleID.Artifact)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	descriptorFp, err := hashes.Hash(algo, in.EffectiveDescriptor)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	pluginsFp, err := combinePlugins(algo, in.Plugins)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	inputsFp, err := combineInputs(algo, in.Files)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	upstreamFp, err := combineUpstream(algo, in.Upstream)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	return hashes.Combine(algo, []hashes.Fingerprint{
		versionFp, groupFp, artifactFp, descriptorFp, pluginsFp, inputsFp, upstreamFp,
	})
}

// combinePlugins folds hash(coords)++hash(config) per plugin, sorted by
// plugin coordinates so the result does not depend on configuration order.
func combinePlugins(algo hashes.Algorithm, plugins []PluginDigest) (hashes.Fingerprint, error) {
	sorted := append([]PluginDigest{}, plugins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Coordinates.Less(sorted[j].Coordinates) })

	fps := make([]hashes.Fingerprint, 0, len(sorted))
	for _, p := range sorted {
		coordsFp, err := hashes.HashString(algo, p.Coordinates.String())
		if err != nil {
			return hashes.Fingerprint{}, err
		}
		combined, err := hashes.Combine(algo, []hashes.Fingerprint{coordsFp, p.Fingerprint})
		if err != nil {
			return hashes.Fingerprint{}, err
		}
		fps = append(fps, combined)
	}
	return hashes.Combine(algo, fps)
}

// combineInputs folds the scanned inputs' content digests, sorted by digest
// bytes (the scanner's own output is already path-sorted; this term sorts by
// digest so a file rename alone is invisible to it).
func combineInputs(algo hashes.Algorithm, files []core.InputFileRecord) (hashes.Fingerprint, error) {
	digests := make([]hashes.Fingerprint, 0, len(files))
	for _, f := range files {
		digests = append(digests, f.ContentDigest)
	}
	sort.Slice(digests, func(i, j int) bool { return bytes.Compare(digests[i].Bytes(), digests[j].Bytes()) < 0 })
	return hashes.Combine(algo, digests)
}

// combineUpstream folds upstream fingerprints sorted by moduleId.
func combineUpstream(algo hashes.Algorithm, upstream []UpstreamFingerprint) (hashes.Fingerprint, error) {
	sorted := append([]UpstreamFingerprint{}, upstream...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModuleID.Less(sorted[j].ModuleID) })
	fps := make([]hashes.Fingerprint, 0, len(sorted))
	for _, u := range sorted {
		fps = append(fps, u.Fingerprint)
	}
	return hashes.Combine(algo, fps)
}

// CanonicalizeDescriptor normalizes a module's effective descriptor XML for
// hashing: properties named in excludeProperties are dropped, attributes are
// sorted, and whitespace-only text nodes between elements are collapsed.
// Text content inside elements is preserved literally.
func CanonicalizeDescriptor(raw []byte, excludeProperties []string) ([]byte, error) {
	excluded := make(map[string]bool, len(excludeProperties))
	for _, p := range excludeProperties {
		excluded[p] = true
	}

	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var out bytes.Buffer
	encoder := xml.NewEncoder(&out)

	skipDepth := -1
	depth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if skipDepth < 0 && excluded[t.Name.Local] {
				skipDepth = depth
			}
			depth++
			if skipDepth >= 0 {
				continue
			}
			sort.Slice(t.Attr, func(i, j int) bool { return t.Attr[i].Name.Local < t.Attr[j].Name.Local })
			if err := encoder.EncodeToken(t); err != nil {
				return nil, cacheerr.ConfigurationError("canonicalize-descriptor", err)
			}
		case xml.EndElement:
			depth--
			if skipDepth >= 0 {
				if depth == skipDepth {
					skipDepth = -1
				}
				continue
			}
			if err := encoder.EncodeToken(t); err != nil {
				return nil, cacheerr.ConfigurationError("canonicalize-descriptor", err)
			}
		case xml.CharData:
			if skipDepth >= 0 {
				continue
			}
			if len(bytes.TrimSpace(t)) == 0 {
				continue // collapse pure-whitespace text nodes between elements
			}
			if err := encoder.EncodeToken(t.Copy()); err != nil {
				return nil, cacheerr.ConfigurationError("canonicalize-descriptor", err)
			}
		case xml.Comment:
			continue // comment nodes are dropped
		default:
			if skipDepth >= 0 {
				continue
			}
			if err := encoder.EncodeToken(tok); err != nil {
				return nil, cacheerr.ConfigurationError("canonicalize-descriptor", err)
			}
		}
	}
	if err := encoder.Flush(); err != nil {
		return nil, cacheerr.ConfigurationError("canonicalize-descriptor", err)
	}
	return out.Bytes(), nil
}

// CanonicalizePluginConfig reduces a plugin's raw configuration properties to
// deterministic bytes: keys sorted, values verbatim unless excluded.
func CanonicalizePluginConfig(properties map[string]string, excludeProperties []string) []byte {
	excluded := make(map[string]bool, len(excludeProperties))
	for _, p := range excludeProperties {
		excluded[p] = true
	}
	keys := make([]string, 0, len(properties))
	for k := range properties {
		if !excluded[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(properties[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
