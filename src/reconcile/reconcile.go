// Package reconcile compares a just-run build against a baseline record:
// steps are paired by identity, tracked properties that differ are
// errors, logged properties are warnings, and everything else is either
// swept up by logAllProperties or ignored. The result is a Diff document
// that can be persisted as XML and, when failFast is set, fails the module.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/cacheerr"
	"github.com/thought-machine/buildcache/src/core"
)

var log = logging.MustGetLogger("reconcile")

// Severity tags one property difference in the diff document.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// PropertyDiff is one property whose value differs between the current build
// and the baseline. An empty Baseline or Current means the property was
// absent on that side.
type PropertyDiff struct {
	Step     string   `xml:"step,attr"`
	Property string   `xml:"property,attr"`
	Severity Severity `xml:"severity,attr"`
	Baseline string   `xml:"baseline"`
	Current  string   `xml:"current"`
}

// Diff is the reconciliation result for one module.
type Diff struct {
	ModuleID    core.ModuleId
	PairedSteps []string
	Diffs       []PropertyDiff
}

// Compare pairs the current build's steps with the baseline's and classifies
// every property difference per the configured rules. Steps present on only
// one side are not differences; execution-control rules own that case.
func Compare(current, baseline *core.BuildRecord, rules core.ReconcileConfig) *Diff {
	d := &Diff{ModuleID: current.ModuleID}
	for _, step := range current.Steps {
		base, ok := baseline.Step(step.PluginID, step.ExecutionID, step.Goal)
		if !ok {
			continue
		}
		d.PairedSteps = append(d.PairedSteps, step.Key())
		rule, ok := rules.RuleFor(step)
		if !ok {
			continue
		}
		d.compareStep(step, base, rule)
	}
	for _, pd := range d.Diffs {
		switch pd.Severity {
		case SeverityError:
			log.Error("%s: tracked property %s differs from baseline: %q != %q", pd.Step, pd.Property, pd.Current, pd.Baseline)
		case SeverityWarn:
			log.Warning("%s: property %s differs from baseline: %q != %q", pd.Step, pd.Property, pd.Current, pd.Baseline)
		default:
			log.Info("%s: property %s differs from baseline: %q != %q", pd.Step, pd.Property, pd.Current, pd.Baseline)
		}
	}
	return d
}

// compareStep walks the symmetric difference of the two steps' properties.
func (d *Diff) compareStep(step, base core.StepExecutionRecord, rule core.ReconcilePluginRule) {
	currentProps := mergedProperties(step)
	baseProps := mergedProperties(base)

	names := map[string]bool{}
	for name := range currentProps {
		names[name] = true
	}
	for name := range baseProps {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		currentValue, baseValue := currentProps[name], baseProps[name]
		if currentValue == baseValue {
			continue
		}
		var severity Severity
		switch rule.Classify(name) {
		case core.PropertyTracked:
			severity = SeverityError
		case core.PropertyLogged:
			severity = SeverityWarn
		case core.PropertyObserved:
			severity = SeverityInfo
		default:
			continue
		}
		d.Diffs = append(d.Diffs, PropertyDiff{
			Step:     step.Key(),
			Property: name,
			Severity: severity,
			Baseline: baseValue,
			Current:  currentValue,
		})
	}
}

// mergedProperties folds a step's tracked and observed maps into one view;
// tracked values win on a name collision.
func mergedProperties(step core.StepExecutionRecord) map[string]string {
	merged := make(map[string]string, len(step.TrackedProperties)+len(step.ObservedProperties))
	for name, value := range step.ObservedProperties {
		merged[name] = value
	}
	for name, value := range step.TrackedProperties {
		merged[name] = value
	}
	return merged
}

// Errors returns the error-severity entries.
func (d *Diff) Errors() []PropertyDiff {
	var errs []PropertyDiff
	for _, pd := range d.Diffs {
		if pd.Severity == SeverityError {
			errs = append(errs, pd)
		}
	}
	return errs
}

// Err collects every tracked-property mismatch into one ReconciliationError
// per entry, combined, or nil if the build matches its baseline.
func (d *Diff) Err() error {
	var result *multierror.Error
	for _, pd := range d.Errors() {
		result = multierror.Append(result, cacheerr.ReconciliationError(
			fmt.Sprintf("%s: %s is %q, baseline has %q", pd.Step, pd.Property, pd.Current, pd.Baseline)))
	}
	return result.ErrorOrNil()
}

// CombineErrors aggregates the reconciliation failures of many modules into
// one error, so a build without failFast reports them all at once.
func CombineErrors(diffs []*Diff) error {
	var result *multierror.Error
	for _, d := range diffs {
		if err := d.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
