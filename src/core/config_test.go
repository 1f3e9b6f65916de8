package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `<?xml version="1.0" encoding="UTF-8"?>
<cacheConfig enabled="true">
  <input>
    <global>
      <glob>**/*.java</glob>
      <excludes><exclude>target/**</exclude></excludes>
    </global>
  </input>
  <executionControl>
    <runAlways>
      <step artifactId="some-plugin" groupId="org.example">
        <goals><goal>generate</goal></goals>
      </step>
    </runAlways>
    <reconcile>
      <plugin artifactId="maven-compiler-plugin">
        <reconciles><property>javac.source</property></reconciles>
        <logs><property>fork</property></logs>
        <nologs><property>outputDirectory</property></nologs>
      </plugin>
    </reconcile>
  </executionControl>
  <configuration>
    <hashAlgorithm>sha256</hashAlgorithm>
    <local enabled="true">
      <maxBuildsCached>2</maxBuildsCached>
    </local>
    <remote enabled="true">
      <url>https://cache.example.com</url>
      <saveToRemote>true</saveToRemote>
    </remote>
  </configuration>
</cacheConfig>`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maven-cache-config.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfigFile(t *testing.T) {
	config, err := ReadConfigFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.True(t, config.Enabled)
	assert.Equal(t, "**/*.java", config.Input.Global.Glob)
	assert.Equal(t, []string{"target/**"}, config.Input.Global.Excludes)
	assert.Equal(t, 2, config.Cache.Local.MaxLocalBuildsCached)
	assert.Equal(t, "https://cache.example.com", config.Cache.Remote.URL)
	assert.True(t, config.Cache.Remote.SaveToRemote)
	require.Len(t, config.ExecutionControl.RunAlways, 1)
	require.Len(t, config.ExecutionControl.Reconcile.Plugins, 1)
}

func TestReadConfigFileMissingYieldsDefaults(t *testing.T) {
	config, err := ReadConfigFile(filepath.Join(t.TempDir(), "nope.xml"))
	require.NoError(t, err)
	assert.True(t, config.Enabled)
	assert.Equal(t, "**/*", config.Input.Global.Glob)
	assert.Equal(t, "sha256", config.Cache.HashAlgorithm)
}

func TestStepRuleMatching(t *testing.T) {
	step := StepExecutionRecord{
		PluginID:    ModuleId{Group: "org.example", Artifact: "some-plugin", Version: "1.0"},
		ExecutionID: "default",
		Goal:        "generate",
	}

	// artifactId alone matches when groupId is absent.
	assert.True(t, StepRule{ArtifactID: "some-plugin"}.Matches(step))
	// groupId constrains only when set.
	assert.True(t, StepRule{ArtifactID: "some-plugin", GroupID: "org.example"}.Matches(step))
	assert.False(t, StepRule{ArtifactID: "some-plugin", GroupID: "org.other"}.Matches(step))
	// execution-id and goal lists constrain only when non-empty.
	assert.True(t, StepRule{ArtifactID: "some-plugin", ExecutionIDs: []string{"default"}}.Matches(step))
	assert.False(t, StepRule{ArtifactID: "some-plugin", ExecutionIDs: []string{"other"}}.Matches(step))
	assert.True(t, StepRule{ArtifactID: "some-plugin", Goals: []string{"generate"}}.Matches(step))
	assert.False(t, StepRule{ArtifactID: "some-plugin", Goals: []string{"compile"}}.Matches(step))
	assert.False(t, StepRule{ArtifactID: "other-plugin"}.Matches(step))
}

func TestReconcileClassification(t *testing.T) {
	rule := ReconcilePluginRule{
		StepRule:   StepRule{ArtifactID: "maven-compiler-plugin"},
		Reconciles: []string{"javac.source"},
		Logs:       []string{"fork"},
		NoLogs:     []string{"outputDirectory"},
	}
	assert.Equal(t, PropertyTracked, rule.Classify("javac.source"))
	assert.Equal(t, PropertyLogged, rule.Classify("fork"))
	assert.Equal(t, PropertyIgnored, rule.Classify("outputDirectory"))
	assert.Equal(t, PropertyIgnored, rule.Classify("anything"))

	rule.LogAll = true
	assert.Equal(t, PropertyObserved, rule.Classify("anything"))
	assert.Equal(t, PropertyIgnored, rule.Classify("outputDirectory"), "nologs wins over logAll")
}

func TestParseProperties(t *testing.T) {
	props := ParseProperties(map[string]string{
		"remote.cache.enabled":     "TRUE",
		"remote.cache.failFast":    "true",
		"remote.cache.baselineUrl": "https://cache.example.com/reports/1",
		"remote.cache.lazyRestore": "yes", // anything but "true" is false
	})
	assert.True(t, props.Enabled)
	assert.True(t, props.FailFast)
	assert.Equal(t, "https://cache.example.com/reports/1", props.BaselineURL)
	assert.False(t, props.LazyRestore)
	assert.True(t, props.RestoreGeneratedSources, "default holds when unset")
}
