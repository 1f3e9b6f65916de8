package core

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/thought-machine/buildcache/src/hashes"
)

// ConfigFileName is the default location of the cache configuration,
// relative to the multi-module root.
const ConfigFileName = ".mvn/maven-cache-config.xml"

// GlobConfig holds the global include/exclude rules for the input scan.
type GlobConfig struct {
	Glob     string   `xml:"glob"`
	Includes []string `xml:"includes>include"`
	Excludes []string `xml:"excludes>exclude"`
}

// DirScanConfig lists additional include/exclude paths a plugin adds to the scan.
type DirScanConfig struct {
	Includes []string `xml:"includes>include"`
	Excludes []string `xml:"excludes>exclude"`
}

// ExecutionDirScanConfig is a DirScanConfig scoped to one plugin execution id.
type ExecutionDirScanConfig struct {
	ExecutionID string `xml:"executionId,attr"`
	DirScanConfig
}

// EffectivePomConfig lists descriptor properties a plugin wants excluded
// from fingerprint canonicalization.
type EffectivePomConfig struct {
	ExcludeProperties []string `xml:"excludeProperties>excludeProperty"`
}

// PluginInputConfig is one plugin's contribution to the input scan and
// descriptor canonicalization.
type PluginInputConfig struct {
	PluginCoordinates    ModuleId                 `xml:"pluginCoordinates"`
	DirScanConfig        *DirScanConfig           `xml:"dirScan"`
	PerExecutionDirScans []ExecutionDirScanConfig  `xml:"executionDirScan"`
	EffectivePom         EffectivePomConfig        `xml:"effectivePom"`
}

// StepRule matches build steps for execution-control and reconciliation purposes.
type StepRule struct {
	GroupID      string   `xml:"groupId,attr"`
	ArtifactID   string   `xml:"artifactId,attr"`
	ExecutionIDs []string `xml:"executionIds>executionId"`
	Goals        []string `xml:"goals>goal"`
}

// Matches applies the three-tier matching rule: artifactId is mandatory,
// groupId only constrains if set, executionId/goal lists only constrain if
// non-empty.
func (r StepRule) Matches(step StepExecutionRecord) bool {
	if r.ArtifactID != step.PluginID.Artifact {
		return false
	}
	if r.GroupID != "" && r.GroupID != step.PluginID.Group {
		return false
	}
	if len(r.ExecutionIDs) > 0 && !contains(r.ExecutionIDs, step.ExecutionID) {
		return false
	}
	if len(r.Goals) > 0 && !contains(r.Goals, step.Goal) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// ReconcilePluginRule describes the per-goal reconciliation behaviour for one plugin.
type ReconcilePluginRule struct {
	StepRule
	Reconciles []string `xml:"reconciles>property"`
	Logs       []string `xml:"logs>property"`
	NoLogs     []string `xml:"nologs>property"`
	LogAll     bool     `xml:"logAllProperties"`
}

// PropertyClass classifies one property name against a reconciliation rule.
type PropertyClass int

const (
	// PropertyIgnored properties never contribute to a diff.
	PropertyIgnored PropertyClass = iota
	// PropertyTracked properties must match the baseline; a difference is an error.
	PropertyTracked
	// PropertyLogged properties are reported at warning level when they differ.
	PropertyLogged
	// PropertyObserved properties are swept up by logAllProperties and
	// reported at info level when they differ.
	PropertyObserved
)

// Classify places one property name into its reconciliation class. nologs
// wins over every other list so a property can always be silenced outright.
func (r ReconcilePluginRule) Classify(property string) PropertyClass {
	if contains(r.NoLogs, property) {
		return PropertyIgnored
	}
	if contains(r.Reconciles, property) {
		return PropertyTracked
	}
	if contains(r.Logs, property) {
		return PropertyLogged
	}
	if r.LogAll {
		return PropertyObserved
	}
	return PropertyIgnored
}

// ReconcileConfig is the set of per-plugin reconciliation rules.
type ReconcileConfig struct {
	Plugins []ReconcilePluginRule `xml:"plugin"`
}

// RuleFor returns the reconciliation rule matching this step, if any.
func (c ReconcileConfig) RuleFor(step StepExecutionRecord) (ReconcilePluginRule, bool) {
	for _, p := range c.Plugins {
		if p.Matches(step) {
			return p, true
		}
	}
	return ReconcilePluginRule{}, false
}

// ExecutionControlConfig holds the ignoreMissing/runAlways/reconcile rule sets.
type ExecutionControlConfig struct {
	IgnoreMissing []StepRule      `xml:"ignoreMissing>step"`
	RunAlways     []StepRule      `xml:"runAlways>step"`
	Reconcile     ReconcileConfig `xml:"reconcile"`
}

func matchesAny(rules []StepRule, step StepExecutionRecord) bool {
	for _, r := range rules {
		if r.Matches(step) {
			return true
		}
	}
	return false
}

// MatchesIgnoreMissing reports whether step is covered by an ignoreMissing rule.
func (c ExecutionControlConfig) MatchesIgnoreMissing(step StepExecutionRecord) bool {
	return matchesAny(c.IgnoreMissing, step)
}

// MatchesRunAlways reports whether step is covered by a runAlways rule.
func (c ExecutionControlConfig) MatchesRunAlways(step StepExecutionRecord) bool {
	return matchesAny(c.RunAlways, step)
}

// OutputConfig holds the output-exclusion regular expressions.
type OutputConfig struct {
	ExcludePatterns []string `xml:"exclude>patterns>pattern"`
}

// LocalStoreConfig configures the local filesystem BlobStore.
type LocalStoreConfig struct {
	Enabled              bool   `xml:"enabled,attr"`
	Dir                  string `xml:"directory"`
	MaxLocalBuildsCached int    `xml:"maxBuildsCached"`
}

// RemoteStoreConfig configures the remote BlobStore transport.
type RemoteStoreConfig struct {
	Enabled           bool   `xml:"enabled,attr"`
	URL               string `xml:"url"`
	SaveToRemote       bool  `xml:"saveToRemote"`
	ConnectTimeoutMs  int    `xml:"connectTimeoutMillis"`
	RequestTimeoutMs  int    `xml:"requestTimeoutMillis"`
	Offline           bool   `xml:"offline"`
}

// CacheSettings holds the configuration element's store and algorithm settings.
type CacheSettings struct {
	Local             LocalStoreConfig `xml:"local"`
	Remote            RemoteStoreConfig `xml:"remote"`
	ProjectVersioning bool              `xml:"projectVersioning"`
	AttachedOutputs   bool              `xml:"attachedOutputs"`
	HashAlgorithm     string            `xml:"hashAlgorithm"`
	MultiModule       bool              `xml:"multiModule"`
}

// Configuration is the typed view of the cache configuration.
type Configuration struct {
	XMLName xml.Name `xml:"cacheConfig"`
	// Enabled is derived from the enabled attribute; an absent attribute
	// means enabled, only an explicit "false" turns the cache off.
	Enabled          bool                   `xml:"-"`
	EnabledAttr      string                 `xml:"enabled,attr"`
	Input            InputConfig            `xml:"input"`
	ExecutionControl ExecutionControlConfig `xml:"executionControl"`
	Output           OutputConfig           `xml:"output"`
	Cache            CacheSettings          `xml:"configuration"`

	CacheImplementationVersion string `xml:"-"`
}

// InputConfig groups the global and per-plugin input-scan configuration.
type InputConfig struct {
	Global  GlobConfig           `xml:"global"`
	Plugins []PluginInputConfig  `xml:"plugins>plugin"`
}

// defaultGlob matches every file under the module root. Build output
// directories are not excluded by it; only configured excludes remove them.
const defaultGlob = "**/*"

// DefaultConfiguration returns the configuration used when no config file is
// present: caching enabled, empty rules, the default glob.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Enabled: true,
		Input: InputConfig{
			Global: GlobConfig{Glob: defaultGlob},
		},
		Cache: CacheSettings{
			HashAlgorithm: string(hashes.SHA256),
			Local: LocalStoreConfig{
				Enabled:              true,
				Dir:                  ".mvn/cache",
				MaxLocalBuildsCached: 0, // 0 means unbounded
			},
		},
	}
}

// ReadConfigFile parses a maven-cache-config.xml file at path, filling in
// DefaultConfiguration for anything absent. A missing file is not an error
// and yields the defaults unchanged.
func ReadConfigFile(path string) (*Configuration, error) {
	config := DefaultConfiguration()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No cache config at %s, using defaults", path)
			return config, nil
		}
		return config, err
	}
	parsed := &Configuration{}
	if err := xml.Unmarshal(data, parsed); err != nil {
		return config, fmt.Errorf("malformed cache config %s: %w", path, err)
	}
	mergeDefaults(parsed, config)
	return parsed, nil
}

// mergeDefaults layers the parsed file values over the built-in defaults,
// filling zero-valued fields.
func mergeDefaults(parsed, defaults *Configuration) {
	if parsed.Input.Global.Glob == "" {
		parsed.Input.Global.Glob = defaults.Input.Global.Glob
	}
	if parsed.Cache.HashAlgorithm == "" {
		parsed.Cache.HashAlgorithm = defaults.Cache.HashAlgorithm
	}
	if parsed.Cache.Local.Dir == "" {
		parsed.Cache.Local.Dir = defaults.Cache.Local.Dir
	}
	parsed.Enabled = parsed.EnabledAttr == "" || BoolProperty(parsed.EnabledAttr)
}

// BoolProperty parses one of the string properties handed in by the driver:
// boolean properties are true iff the lowercased value equals "true".
func BoolProperty(value string) bool {
	return strings.ToLower(value) == "true"
}

// Properties holds the session properties recognized at initialize time.
type Properties struct {
	Enabled                  bool
	SaveEnabled              bool
	SaveFinal                bool
	FailFast                 bool
	BaselineURL              string
	LazyRestore              bool
	RestoreGeneratedSources  bool
	ConfigPath               string
}

// DefaultProperties returns the documented defaults for the property set.
func DefaultProperties() Properties {
	return Properties{
		Enabled:                 true,
		LazyRestore:             false,
		RestoreGeneratedSources: true,
	}
}

// ParseProperties applies a string->string property map (as the driver
// would hand in from its CLI/system properties) onto the defaults.
func ParseProperties(raw map[string]string) Properties {
	p := DefaultProperties()
	if v, ok := raw["remote.cache.enabled"]; ok {
		p.Enabled = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.save.enabled"]; ok {
		p.SaveEnabled = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.save.final"]; ok {
		p.SaveFinal = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.failFast"]; ok {
		p.FailFast = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.baselineUrl"]; ok {
		p.BaselineURL = v
	}
	if v, ok := raw["remote.cache.lazyRestore"]; ok {
		p.LazyRestore = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.restoreGeneratedSources"]; ok {
		p.RestoreGeneratedSources = BoolProperty(v)
	}
	if v, ok := raw["remote.cache.configPath"]; ok {
		p.ConfigPath = v
	}
	return p
}
