// Package engine binds the cache together behind the invocation surface the
// build driver consumes: Initialize, BeginModule, AroundStep, Complete
// (onModuleComplete), and OnBuildComplete. The driver owns module
// parallelism; the engine is safe for N goroutines each driving a distinct
// module, with cross-module ordering provided by the fingerprint index.
// Everything hangs off the handle Initialize returns; there are no
// process-wide globals.
package engine

import (
	"context"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/cache"
	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/execctl"
	"github.com/thought-machine/buildcache/src/fingerprint"
	"github.com/thought-machine/buildcache/src/fs"
	"github.com/thought-machine/buildcache/src/hashes"
	"github.com/thought-machine/buildcache/src/reconcile"
	"github.com/thought-machine/buildcache/src/report"
	"github.com/thought-machine/buildcache/src/repository"
	"github.com/thought-machine/buildcache/src/restore"
)

var log = logging.MustGetLogger("engine")

// CacheImplementationVersion is the first segment of every cache path;
// records written by an incompatible implementation are never restored.
const CacheImplementationVersion = "1.0"

// SchemaVersion identifies the build.xml layout this implementation writes.
const SchemaVersion = "1.0"

// InitState is the outcome of Initialize.
type InitState int

const (
	// Disabled means caching is off; every later call is a no-op.
	Disabled InitState = iota
	// Initialized means the cache is live.
	Initialized
)

// Session is what the host build driver hands to Initialize: the reactor
// root and its property map (system properties / CLI -D flags).
type Session struct {
	MultimoduleRoot string
	Properties      map[string]string
}

// Engine is the initialized cache handle. One per top-level build.
type Engine struct {
	config     *core.Configuration
	props      core.Properties
	algo       hashes.Algorithm
	local      *cache.LocalStore
	remote     *cache.RemoteStore
	repo       *repository.Repository
	index      *fingerprint.Index
	reporter   *report.Reporter
	controller *execctl.Controller

	baseline      *core.ProjectIndex
	baselineStore cache.BlobStore

	outputExcludes []*regexp.Regexp

	diffs    chan *reconcile.Diff
	disabled bool
}

// Initialize reads the configuration and constructs the engine. When
// the user has disabled caching it returns a no-op engine, state Disabled,
// and the CacheDisabled sentinel so the driver can log the fact once.
func Initialize(session Session) (*Engine, InitState, error) {
	props := core.ParseProperties(session.Properties)
	if !props.Enabled {
		return &Engine{disabled: true}, Disabled, cacheerr.Disabled()
	}
	configPath := props.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(session.MultimoduleRoot, core.ConfigFileName)
	}
	config, err := core.ReadConfigFile(configPath)
	if err != nil {
		return nil, Disabled, cacheerr.ConfigurationError("initialize", err)
	}
	if !config.Enabled {
		return &Engine{disabled: true}, Disabled, cacheerr.Disabled()
	}
	config.CacheImplementationVersion = CacheImplementationVersion

	algo := hashes.Algorithm(config.Cache.HashAlgorithm)
	if !hashes.IsPersistable(algo) {
		return nil, Disabled, cacheerr.ConfigurationError("initialize", errUnknownAlgorithm(algo))
	}
	outputExcludes, err := compilePatterns(config.Output.ExcludePatterns)
	if err != nil {
		return nil, Disabled, err
	}

	localDir := config.Cache.Local.Dir
	if !filepath.IsAbs(localDir) {
		localDir = filepath.Join(session.MultimoduleRoot, localDir)
	}
	local, err := cache.NewLocalStore(localDir, config.Cache.Local.MaxLocalBuildsCached)
	if err != nil {
		return nil, Disabled, err
	}

	e := &Engine{
		config:         config,
		props:          props,
		algo:           algo,
		local:          local,
		index:          fingerprint.NewIndex(),
		reporter:       report.New(),
		controller:     execctl.New(config.ExecutionControl),
		outputExcludes: outputExcludes,
		diffs:          make(chan *reconcile.Diff, 1024),
	}

	var remoteStore cache.BlobStore
	if config.Cache.Remote.Enabled && config.Cache.Remote.URL != "" {
		e.remote = cache.NewRemoteStore(cache.RemoteStoreConfig{
			BaseURL:        config.Cache.Remote.URL,
			Writable:       config.Cache.Remote.SaveToRemote && props.SaveEnabled,
			Offline:        config.Cache.Remote.Offline,
			ConnectTimeout: time.Duration(config.Cache.Remote.ConnectTimeoutMs) * time.Millisecond,
			RequestTimeout: time.Duration(config.Cache.Remote.RequestTimeoutMs) * time.Millisecond,
		})
		remoteStore = e.remote
	}
	e.repo = repository.New(local, remoteStore, CacheImplementationVersion, algo)

	if props.BaselineURL != "" {
		e.baselineStore = cache.NewRemoteStore(cache.RemoteStoreConfig{
			BaseURL:        props.BaselineURL,
			ConnectTimeout: time.Duration(config.Cache.Remote.ConnectTimeoutMs) * time.Millisecond,
			RequestTimeout: time.Duration(config.Cache.Remote.RequestTimeoutMs) * time.Millisecond,
		})
		if baseline, ok := report.LoadBaseline(e.baselineStore); ok {
			e.baseline = baseline
		} else {
			log.Warning("No baseline index at %s, reconciliation disabled for this build", props.BaselineURL)
		}
	}
	log.Info("Cache initialized: algorithm=%s local=%s remote=%v", algo, localDir, e.remote != nil)
	return e, Initialized, nil
}

type errUnknownAlgorithm hashes.Algorithm

func (e errUnknownAlgorithm) Error() string { return "unknown hash algorithm " + string(e) }

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, cacheerr.ConfigurationError("initialize", err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// PluginConfig is one plugin's effective configuration for a module, handed
// in by the driver.
type PluginConfig struct {
	Coordinates core.ModuleId
	Properties  map[string]string
}

// ModuleRequest describes one module about to build.
type ModuleRequest struct {
	ID                  core.ModuleId
	Root                string // module root directory; scans are relative to it
	TargetDir           string // where restored artifacts land
	EffectiveDescriptor []byte // raw effective descriptor XML
	Plugins             []PluginConfig
	Upstream            []core.ModuleId // immediate upstream modules
	// RuntimeSettings are runtime-only inputs (data files, container or
	// test settings) mixed into the runtime fingerprint but never into the
	// build fingerprint, so changing them doesn't invalidate build outputs.
	RuntimeSettings map[string]string
}

// ModuleBuild is the per-module cache handle threaded through the step hooks.
type ModuleBuild struct {
	engine    *Engine
	module    *execctl.Module
	request   ModuleRequest
	fp        hashes.Fingerprint
	runtimeFp hashes.Fingerprint
	upstream  []fingerprint.UpstreamFingerprint
	eligible  bool
}

// BeginModule runs the per-module pipeline: wait for upstream fingerprints,
// scan, fingerprint, publish, look up, and (unless lazyRestore) restore on a
// hit. It blocks until every upstream module has published or been declared
// ineligible. Input read failures degrade the module to a
// forced miss rather than failing the build.
func (e *Engine) BeginModule(ctx context.Context, req ModuleRequest) (*ModuleBuild, error) {
	mb := &ModuleBuild{engine: e, module: execctl.NewModule(req.ID), request: req}
	if e.disabled {
		mb.module.MarkDegraded()
		return mb, nil
	}

	// An upstream that published the zero fingerprint was itself ineligible;
	// that poisons every downstream module.
	for _, up := range req.Upstream {
		fp := e.index.Await(up)
		if fp.IsZero() {
			log.Warning("Upstream %s of %s is ineligible for caching; %s is too", up, req.ID, req.ID)
			e.index.Publish(req.ID, hashes.Fingerprint{})
			mb.module.MarkDegraded()
			return mb, nil
		}
		mb.upstream = append(mb.upstream, fingerprint.UpstreamFingerprint{ModuleID: up, Fingerprint: fp})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := e.scan(req)
	if err != nil {
		log.Warning("Input scan of %s failed, forcing execution: %s", req.ID, err)
		e.index.Publish(req.ID, hashes.Fingerprint{})
		mb.module.MarkDegraded()
		return mb, nil
	}
	mb.module.MarkScanned()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp, err := e.fingerprintModule(req, records, mb.upstream)
	if err != nil {
		log.Warning("Fingerprinting %s failed, forcing execution: %s", req.ID, err)
		e.index.Publish(req.ID, hashes.Fingerprint{})
		mb.module.MarkDegraded()
		return mb, nil
	}
	mb.fp = fp
	mb.eligible = true
	e.index.Publish(req.ID, fp)
	log.Debug("Module %s fingerprint %s", req.ID, fp)
	if len(req.RuntimeSettings) > 0 {
		if mb.runtimeFp, err = e.runtimeFingerprint(fp, req.RuntimeSettings); err != nil {
			log.Warning("Runtime fingerprint of %s failed: %s", req.ID, err)
		}
	}

	record, found := e.repo.FindBuild(req.ID, fp)
	var usable *core.BuildRecord
	if found {
		if d := restore.Decide(record, e.config, e.algo, CacheImplementationVersion); d.Usable {
			usable = record
		} else {
			log.Info("Record for %s rejected: %s", req.ID, d.Reason)
		}
	}
	mb.module.MarkLookedUp(usable)
	if usable == nil {
		return mb, nil
	}
	if e.props.LazyRestore {
		return mb, nil
	}
	if err := mb.RestoreArtifacts(ctx); err != nil {
		return nil, err
	}
	return mb, nil
}

// scan resolves the module's rule set and enumerates its inputs.
func (e *Engine) scan(req ModuleRequest) ([]core.InputFileRecord, error) {
	global := fs.ScanRules{
		Includes:       append([]string{}, e.config.Input.Global.Includes...),
		Excludes:       append([]string{}, e.config.Input.Global.Excludes...),
		ExcludeRegexps: e.outputExcludes,
	}
	if glob := e.config.Input.Global.Glob; glob != "" {
		global.Includes = append(global.Includes, fs.NormalizeGlob(glob))
	}
	rules := global
	for _, plugin := range e.config.Input.Plugins {
		if plugin.DirScanConfig != nil {
			rules = fs.MergeRules(rules, fs.ScanRules{
				Includes: plugin.DirScanConfig.Includes,
				Excludes: plugin.DirScanConfig.Excludes,
			})
		}
		for _, perExecution := range plugin.PerExecutionDirScans {
			rules = fs.MergeRules(rules, fs.ScanRules{
				Includes: perExecution.Includes,
				Excludes: perExecution.Excludes,
			})
		}
	}
	scanner := fs.NewInputScanner(req.Root, e.algo, fs.RejectEscaping, false, 0)
	return scanner.Scan(rules)
}

// fingerprintModule folds the scan result, descriptor, plugin digests, and
// upstream fingerprints into the module fingerprint.
func (e *Engine) fingerprintModule(req ModuleRequest, records []core.InputFileRecord, upstream []fingerprint.UpstreamFingerprint) (hashes.Fingerprint, error) {
	excluded := e.excludedDescriptorProperties()
	descriptor, err := fingerprint.CanonicalizeDescriptor(req.EffectiveDescriptor, excluded)
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	plugins := make([]fingerprint.PluginDigest, 0, len(req.Plugins))
	for _, p := range req.Plugins {
		digest, err := e.PluginConfigDigest(p)
		if err != nil {
			return hashes.Fingerprint{}, err
		}
		plugins = append(plugins, fingerprint.PluginDigest{Coordinates: p.Coordinates, Fingerprint: digest})
	}
	return fingerprint.Fingerprint(e.algo, fingerprint.Inputs{
		CacheImplementationVersion: CacheImplementationVersion,
		ModuleID:                   req.ID,
		EffectiveDescriptor:        descriptor,
		Plugins:                    plugins,
		Files:                      records,
		Upstream:                   upstream,
	})
}

// runtimeFingerprint mixes the runtime-only settings on top of the build
// fingerprint without the settings perturbing the build fingerprint itself.
// The result is persisted on the build record; no step decision reads it.
func (e *Engine) runtimeFingerprint(buildFp hashes.Fingerprint, settings map[string]string) (hashes.Fingerprint, error) {
	settingsFp, err := hashes.Hash(e.algo, fingerprint.CanonicalizePluginConfig(settings, nil))
	if err != nil {
		return hashes.Fingerprint{}, err
	}
	return hashes.Combine(e.algo, []hashes.Fingerprint{buildFp, settingsFp})
}

// excludedDescriptorProperties unions every configured plugin's
// effectivePom exclusions.
func (e *Engine) excludedDescriptorProperties() []string {
	var excluded []string
	for _, plugin := range e.config.Input.Plugins {
		excluded = append(excluded, plugin.EffectivePom.ExcludeProperties...)
	}
	return excluded
}

// PluginConfigDigest reduces one plugin's configuration to its fingerprint,
// honoring the per-plugin excludeProperties. Drivers also use this to fill
// StepExecutionRecord.ConfigurationDigest.
func (e *Engine) PluginConfigDigest(p PluginConfig) (hashes.Fingerprint, error) {
	var excluded []string
	for _, configured := range e.config.Input.Plugins {
		if configured.PluginCoordinates.GAKey() == p.Coordinates.GAKey() {
			excluded = configured.EffectivePom.ExcludeProperties
			break
		}
	}
	return hashes.Hash(e.algo, fingerprint.CanonicalizePluginConfig(p.Properties, excluded))
}

// Hit reports whether this module was satisfied from the cache.
func (mb *ModuleBuild) Hit() bool { return mb.module.State() == execctl.StateHit }

// State exposes the module's lifecycle state.
func (mb *ModuleBuild) State() execctl.ModuleState { return mb.module.State() }

// Fingerprint returns the module's computed fingerprint; zero when the
// module is ineligible.
func (mb *ModuleBuild) Fingerprint() hashes.Fingerprint { return mb.fp }

// RestoreArtifacts transfers every recorded artifact into the module's
// target directory. Any absent blob downgrades the module to a miss; an
// integrity failure aborts the build.
func (mb *ModuleBuild) RestoreArtifacts(ctx context.Context) error {
	record := mb.module.Record()
	if record == nil {
		return nil
	}
	for _, entry := range record.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(mb.request.TargetDir, entry.Filename)
		ok, err := mb.engine.repo.RestoreArtifact(record, entry, target)
		if err != nil {
			return err // IntegrityError aborts the build
		}
		if !ok {
			log.Warning("Artifact %s missing from cache, downgrading %s to miss", entry.Filename, mb.request.ID)
			mb.module.Downgrade()
			return nil
		}
	}
	log.Info("Restored %s from cache (%d artifacts)", mb.request.ID, len(record.Artifacts))
	return nil
}

// AroundStep is the step-interception hook: the driver wraps every step
// invocation in it.
// When the engine is disabled the continuation simply runs.
func (mb *ModuleBuild) AroundStep(step core.StepExecutionRecord, run execctl.Continuation) (execctl.StepOutcome, error) {
	if mb.engine.disabled {
		_, err := run()
		return execctl.OutcomeExecuted, err
	}
	return mb.engine.controller.AroundStep(mb.module, step, run)
}

// Complete is onModuleComplete: on a successful miss it captures the
// produced artifacts into the cache; with a baseline configured it
// reconciles the finished build. The returned error is non-nil only for
// failFast reconciliation failures and for a cancelled context.
func (mb *ModuleBuild) Complete(ctx context.Context, success bool, produced []repository.ProducedArtifact) error {
	e := mb.engine
	if e.disabled {
		return nil
	}
	if !mb.eligible {
		// Never published a usable fingerprint; nothing to save or report.
		mb.module.MarkDone()
		return nil
	}
	if !success {
		// A failed build is never cached; the failure itself
		// propagates through the driver, not through us.
		log.Debug("Module %s failed, nothing cached", mb.request.ID)
		mb.module.MarkDone()
		return nil
	}

	var current *core.BuildRecord
	if mb.Hit() {
		current = mb.module.Record()
	} else {
		mb.module.MarkExecuted()
		current = mb.buildRecord(produced)
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.repo.SaveBuild(current, mb.filterExcluded(produced)) {
			mb.module.MarkSaved()
		} else {
			mb.module.MarkSaveSkipped()
		}
	}
	e.reporter.Record(mb.request.ID, mb.fp, e.recordURL())

	if err := mb.reconcileAgainstBaseline(current); err != nil {
		return err
	}
	mb.module.MarkDone()
	return nil
}

// buildRecord assembles the immutable record of this build.
func (mb *ModuleBuild) buildRecord(produced []repository.ProducedArtifact) *core.BuildRecord {
	record := &core.BuildRecord{
		SchemaVersion:              SchemaVersion,
		ModuleID:                   mb.request.ID,
		Fingerprint:                mb.fp,
		RuntimeFingerprint:         mb.runtimeFp,
		HashAlgorithm:              mb.engine.algo,
		CacheImplementationVersion: CacheImplementationVersion,
		TimestampIso8601:           time.Now().UTC().Format(time.RFC3339),
		SourceTag:                  core.SourceLocal,
		Steps:                      mb.module.Steps(),
	}
	for _, a := range mb.filterExcluded(produced) {
		record.Artifacts = append(record.Artifacts, a.Entry)
	}
	for _, up := range mb.upstream {
		record.Upstream = append(record.Upstream, core.UpstreamEntry{ModuleID: up.ModuleID, Fingerprint: up.Fingerprint})
	}
	return record
}

// filterExcluded drops artifacts whose filename matches an output-exclusion
// pattern; they are never persisted to the record.
func (mb *ModuleBuild) filterExcluded(produced []repository.ProducedArtifact) []repository.ProducedArtifact {
	kept := make([]repository.ProducedArtifact, 0, len(produced))
outer:
	for _, a := range produced {
		for _, re := range mb.engine.outputExcludes {
			if re.MatchString(a.Entry.Filename) {
				log.Debug("Artifact %s excluded from record by output pattern", a.Entry.Filename)
				continue outer
			}
		}
		kept = append(kept, a)
	}
	return kept
}

func (mb *ModuleBuild) reconcileAgainstBaseline(current *core.BuildRecord) error {
	e := mb.engine
	if e.baseline == nil || current == nil {
		return nil
	}
	entry, ok := e.baseline.Entry(mb.request.ID)
	if !ok {
		log.Debug("No baseline entry for %s", mb.request.ID)
		return nil
	}
	baselineRecord, ok := report.LoadBaselineRecord(e.baselineStore, CacheImplementationVersion, entry)
	if !ok {
		return nil
	}
	diff := reconcile.Compare(current, baselineRecord, e.config.ExecutionControl.Reconcile)
	select {
	case e.diffs <- diff:
	default:
		log.Warning("Diff buffer full, dropping diff for %s from the report", mb.request.ID)
	}
	if e.props.FailFast {
		return diff.Err()
	}
	return nil
}

// recordURL names where a module's record lives remotely, for the index.
func (e *Engine) recordURL() string {
	if e.remote == nil {
		return ""
	}
	return e.config.Cache.Remote.URL
}

// OnBuildComplete writes the ProjectIndex and any reconciliation diffs,
// runs local eviction, and drains the remote session pools. Collected
// non-failFast reconciliation mismatches are reported here in one combined
// warning rather than failing the build.
func (e *Engine) OnBuildComplete(buildID string) error {
	if e.disabled {
		return nil
	}
	index := e.reporter.Index(buildID)
	if err := e.repo.SaveReport(buildID, index); err != nil {
		log.Warning("Failed to write project index for %s: %s", buildID, err)
	}

	var diffs []*reconcile.Diff
drain:
	for {
		select {
		case d := <-e.diffs:
			diffs = append(diffs, d)
		default:
			break drain
		}
	}
	for _, d := range diffs {
		if len(d.Diffs) == 0 {
			continue
		}
		data, err := d.Marshal()
		if err != nil {
			log.Warning("Failed to serialize diff for %s: %s", d.ModuleID, err)
			continue
		}
		diffPath := path.Join("reports", buildID, d.ModuleID.Group+"-"+d.ModuleID.Artifact+"-diff.xml")
		if err := e.local.Put(diffPath, data); err != nil {
			log.Warning("Failed to write %s: %s", diffPath, err)
		}
	}
	if err := reconcile.CombineErrors(diffs); err != nil && !e.props.FailFast {
		log.Warning("Build differs from baseline: %s", err)
	}

	if err := e.local.Evict(); err != nil {
		log.Warning("Local cache eviction failed: %s", err)
	}
	if e.remote != nil {
		e.remote.Shutdown()
	}
	if s, ok := e.baselineStore.(*cache.RemoteStore); ok {
		s.Shutdown()
	}
	return nil
}
