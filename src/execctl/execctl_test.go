package execctl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/buildcache/src/core"
)

var (
	moduleID   = core.ModuleId{Group: "org.example", Artifact: "app", Version: "1.0"}
	compilerID = core.ModuleId{Group: "org.apache.maven.plugins", Artifact: "maven-compiler-plugin", Version: "3.11.0"}
	codegenID  = core.ModuleId{Group: "org.example", Artifact: "some-plugin", Version: "1.2"}
)

func compileStep() core.StepExecutionRecord {
	return core.StepExecutionRecord{PluginID: compilerID, ExecutionID: "default-compile", Goal: "compile"}
}

func generateStep() core.StepExecutionRecord {
	return core.StepExecutionRecord{PluginID: codegenID, ExecutionID: "default", Goal: "generate"}
}

// ran returns a continuation that flips a flag when invoked.
func ran(flag *bool, observed map[string]string) Continuation {
	return func() (map[string]string, error) {
		*flag = true
		return observed, nil
	}
}

func hitModule(steps ...core.StepExecutionRecord) *Module {
	m := NewModule(moduleID)
	m.MarkScanned()
	m.MarkLookedUp(&core.BuildRecord{ModuleID: moduleID, Steps: steps})
	return m
}

func missModule() *Module {
	m := NewModule(moduleID)
	m.MarkScanned()
	m.MarkLookedUp(nil)
	return m
}

func TestHitRestoresRecordedStep(t *testing.T) {
	recorded := compileStep()
	recorded.TrackedProperties = map[string]string{"javac.source": "11"}
	m := hitModule(recorded)
	c := New(core.ExecutionControlConfig{})

	executed := false
	outcome, err := c.AroundStep(m, compileStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, outcome)
	assert.False(t, executed, "a restored step must not run")
	require.Len(t, m.Steps(), 1)
	assert.Equal(t, "11", m.Steps()[0].TrackedProperties["javac.source"])
}

func TestMissExecutesStep(t *testing.T) {
	m := missModule()
	c := New(core.ExecutionControlConfig{})

	executed := false
	outcome, err := c.AroundStep(m, compileStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	assert.True(t, executed)
	assert.Len(t, m.Steps(), 1)
}

func TestRunAlwaysForcesExecutionEvenOnHit(t *testing.T) {
	m := hitModule(generateStep(), compileStep())
	c := New(core.ExecutionControlConfig{
		RunAlways: []core.StepRule{{ArtifactID: "some-plugin", GroupID: "org.example", Goals: []string{"generate"}}},
	})

	executed := false
	outcome, err := c.AroundStep(m, generateStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	assert.True(t, executed, "a runAlways step executes even when a record exists")

	// Other steps are still restored from the record.
	executed = false
	outcome, err = c.AroundStep(m, compileStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, outcome)
	assert.False(t, executed)
}

func TestIgnoreMissingSkipsUnrecordedStep(t *testing.T) {
	m := hitModule(compileStep()) // the record predates the generate step
	c := New(core.ExecutionControlConfig{
		IgnoreMissing: []core.StepRule{{ArtifactID: "some-plugin"}},
	})

	executed := false
	outcome, err := c.AroundStep(m, generateStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.False(t, executed)
	assert.Empty(t, m.Steps(), "a skipped step leaves no record")
}

func TestUnrecordedStepWithoutIgnoreMissingExecutes(t *testing.T) {
	m := hitModule(compileStep())
	c := New(core.ExecutionControlConfig{})

	executed := false
	outcome, err := c.AroundStep(m, generateStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	assert.True(t, executed)
}

func TestStepFailurePropagatesUnchanged(t *testing.T) {
	m := missModule()
	c := New(core.ExecutionControlConfig{})

	boom := errors.New("compilation failed")
	_, err := c.AroundStep(m, compileStep(), func() (map[string]string, error) {
		return nil, boom
	})
	assert.Equal(t, boom, err)
	assert.Empty(t, m.Steps(), "a failed step is not recorded")
}

func TestReconcilePropertiesAreClassified(t *testing.T) {
	m := missModule()
	c := New(core.ExecutionControlConfig{
		Reconcile: core.ReconcileConfig{Plugins: []core.ReconcilePluginRule{{
			StepRule:   core.StepRule{ArtifactID: "maven-compiler-plugin"},
			Reconciles: []string{"javac.source"},
			Logs:       []string{"fork"},
			NoLogs:     []string{"outputDirectory"},
		}}},
	})

	observed := map[string]string{
		"javac.source":    "11",
		"fork":            "false",
		"outputDirectory": "/tmp/out",
	}
	executed := false
	_, err := c.AroundStep(m, compileStep(), ran(&executed, observed))
	require.NoError(t, err)
	require.Len(t, m.Steps(), 1)
	recorded := m.Steps()[0]
	assert.Equal(t, map[string]string{"javac.source": "11"}, recorded.TrackedProperties)
	assert.Equal(t, map[string]string{"fork": "false"}, recorded.ObservedProperties)
}

func TestDowngradeClearsRecordAndRestoredSteps(t *testing.T) {
	m := hitModule(compileStep())
	c := New(core.ExecutionControlConfig{})
	_, err := c.AroundStep(m, compileStep(), ran(new(bool), nil))
	require.NoError(t, err)
	require.Len(t, m.Steps(), 1)

	m.Downgrade()
	assert.Equal(t, StateMiss, m.State())
	assert.Nil(t, m.Record())
	assert.Empty(t, m.Steps())

	// After the downgrade, steps execute for real.
	executed := false
	outcome, err := c.AroundStep(m, compileStep(), ran(&executed, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	assert.True(t, executed)
}

func TestStateMachineTransitions(t *testing.T) {
	m := NewModule(moduleID)
	assert.Equal(t, StateUndecided, m.State())
	m.MarkScanned()
	assert.Equal(t, StateScanned, m.State())
	m.MarkLookedUp(nil)
	assert.Equal(t, StateMiss, m.State())
	m.MarkExecuted()
	assert.Equal(t, StateExecuted, m.State())
	m.MarkSaved()
	assert.Equal(t, StateSaved, m.State())
	m.MarkDone()
	assert.Equal(t, StateDone, m.State())
}

func TestDegradedModuleForcesExecution(t *testing.T) {
	m := NewModule(moduleID)
	m.MarkDegraded()
	assert.Equal(t, StateMiss, m.State())
	assert.True(t, m.ForceExecute())
}
