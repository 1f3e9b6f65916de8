// Package execctl implements the per-step skip/execute/reconcile decision
// and the per-module state machine. The host build driver wraps every step
// invocation in AroundStep; the controller decides whether the step actually
// runs, and records what it reported for later reconciliation.
package execctl

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/core"
)

var log = logging.MustGetLogger("execctl")

// ModuleState tracks a module's progress through the cache lifecycle.
type ModuleState int

const (
	// StateUndecided is the initial state before the input scan.
	StateUndecided ModuleState = iota
	// StateScanned means the input set has been enumerated and hashed.
	StateScanned
	// StateLookedUp means the fingerprint has been computed and the store queried.
	StateLookedUp
	// StateHit means a usable record was found; steps are restored, not run.
	StateHit
	// StateMiss means no usable record exists; steps execute normally.
	StateMiss
	// StateExecuted means every step of a missed module has run.
	StateExecuted
	// StateSaved means the completed build was persisted.
	StateSaved
	// StateSaveSkipped means the save was lost to another writer or disabled.
	StateSaveSkipped
	// StateDone is terminal.
	StateDone
)

func (s ModuleState) String() string {
	switch s {
	case StateUndecided:
		return "UNDECIDED"
	case StateScanned:
		return "SCANNED"
	case StateLookedUp:
		return "LOOKED_UP"
	case StateHit:
		return "HIT"
	case StateMiss:
		return "MISS"
	case StateExecuted:
		return "EXECUTED"
	case StateSaved:
		return "SAVED"
	case StateSaveSkipped:
		return "SAVE_SKIPPED"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Module is the per-module lifecycle handle. The driver processes a module's
// steps on a single thread, so Module methods are not synchronized.
type Module struct {
	ID core.ModuleId

	state        ModuleState
	record       *core.BuildRecord // usable record when state is StateHit
	forceExecute bool              // set when input scanning failed
	steps        []core.StepExecutionRecord
}

// NewModule returns a module in the initial state.
func NewModule(id core.ModuleId) *Module {
	return &Module{ID: id}
}

// State returns the module's current lifecycle state.
func (m *Module) State() ModuleState { return m.state }

// Record returns the usable build record, or nil outside the hit path.
func (m *Module) Record() *core.BuildRecord { return m.record }

// ForceExecute reports whether every step must run regardless of any record.
func (m *Module) ForceExecute() bool { return m.forceExecute }

// Steps returns the step records accumulated so far, in execution order.
func (m *Module) Steps() []core.StepExecutionRecord { return m.steps }

// MarkScanned transitions UNDECIDED → SCANNED.
func (m *Module) MarkScanned() { m.transition(StateScanned) }

// MarkDegraded forces the module to MISS with unconditional execution,
// used when its inputs could not be read.
func (m *Module) MarkDegraded() {
	m.forceExecute = true
	m.transition(StateMiss)
}

// MarkLookedUp records the lookup outcome: a usable record transitions the
// module to HIT, otherwise MISS.
func (m *Module) MarkLookedUp(usableRecord *core.BuildRecord) {
	m.transition(StateLookedUp)
	if usableRecord != nil {
		m.record = usableRecord
		m.transition(StateHit)
	} else {
		m.transition(StateMiss)
	}
}

// Downgrade moves a HIT module back to MISS, dropping its record; used when
// an artifact restore fails and the driver must run the full plan.
func (m *Module) Downgrade() {
	if m.state != StateHit {
		return
	}
	log.Warning("Downgrading %s from cache hit to miss", m.ID)
	m.record = nil
	m.steps = nil
	m.transition(StateMiss)
}

// MarkExecuted transitions MISS → EXECUTED once every step has run.
func (m *Module) MarkExecuted() { m.transition(StateExecuted) }

// MarkSaved transitions to SAVED.
func (m *Module) MarkSaved() { m.transition(StateSaved) }

// MarkSaveSkipped transitions to SAVE_SKIPPED.
func (m *Module) MarkSaveSkipped() { m.transition(StateSaveSkipped) }

// MarkDone transitions to the terminal state.
func (m *Module) MarkDone() { m.transition(StateDone) }

func (m *Module) transition(next ModuleState) {
	log.Debug("%s: %s -> %s", m.ID, m.state, next)
	m.state = next
}

// StepOutcome is what the driver observes for one wrapped step.
type StepOutcome int

const (
	// OutcomeExecuted means the step ran via its continuation.
	OutcomeExecuted StepOutcome = iota
	// OutcomeRestored means the step was satisfied from the build record
	// without running; the driver observes success.
	OutcomeRestored
	// OutcomeSkipped means the step neither ran nor restored anything: it is
	// absent from the record but covered by an ignoreMissing rule.
	OutcomeSkipped
)

// Continuation runs the real build step. On success it returns the properties
// the step observed, which feed reconciliation when a rule asks for them.
type Continuation func() (map[string]string, error)

// Controller applies the execution-control rules around every step.
type Controller struct {
	control core.ExecutionControlConfig
}

// New returns a controller over the configured rule sets.
func New(control core.ExecutionControlConfig) *Controller {
	return &Controller{control: control}
}

// AroundStep is the hook the driver invokes around every step:
// runAlways forces execution, a matching record entry restores, ignoreMissing
// tolerates steps the record predates, and everything else executes.
func (c *Controller) AroundStep(m *Module, step core.StepExecutionRecord, run Continuation) (StepOutcome, error) {
	if c.control.MatchesRunAlways(step) {
		log.Debug("%s: step %s matches runAlways, executing", m.ID, step.Key())
		return c.execute(m, step, run)
	}
	if record := m.Record(); record != nil && !m.ForceExecute() {
		if recorded, ok := record.Step(step.PluginID, step.ExecutionID, step.Goal); ok {
			log.Debug("%s: step %s restored from cache", m.ID, step.Key())
			m.steps = append(m.steps, recorded)
			return OutcomeRestored, nil
		}
		if c.control.MatchesIgnoreMissing(step) {
			log.Debug("%s: step %s absent from record but covered by ignoreMissing, skipping", m.ID, step.Key())
			return OutcomeSkipped, nil
		}
	}
	return c.execute(m, step, run)
}

// execute runs the continuation and, on success, records the step with its
// reported properties classified per the reconciliation rules.
func (c *Controller) execute(m *Module, step core.StepExecutionRecord, run Continuation) (StepOutcome, error) {
	observed, err := run()
	if err != nil {
		// Step failures are the build's own errors; they pass through
		// unchanged and no record of the step is kept.
		return OutcomeExecuted, err
	}
	recorded := step
	if rule, ok := c.control.Reconcile.RuleFor(step); ok {
		recorded.TrackedProperties, recorded.ObservedProperties = classifyProperties(rule, observed)
	}
	m.steps = append(m.steps, recorded)
	return OutcomeExecuted, nil
}

// classifyProperties splits a step's reported properties into the tracked set
// (must match a baseline) and the observed set (logged on difference).
func classifyProperties(rule core.ReconcilePluginRule, observed map[string]string) (tracked, other map[string]string) {
	for name, value := range observed {
		switch rule.Classify(name) {
		case core.PropertyTracked:
			if tracked == nil {
				tracked = map[string]string{}
			}
			tracked[name] = value
		case core.PropertyLogged, core.PropertyObserved:
			if other == nil {
				other = map[string]string{}
			}
			other[name] = value
		}
	}
	return tracked, other
}
