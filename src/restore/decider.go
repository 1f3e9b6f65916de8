// Package restore decides whether a found build record is usable for the
// current build. The decision is final for the module: a rejected
// record behaves exactly like a miss.
package restore

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/buildcache/src/core"
	"github.com/thought-machine/buildcache/src/hashes"
)

var log = logging.MustGetLogger("restore")

// Decision is the outcome of checking one candidate record.
type Decision struct {
	Usable bool
	// Reason explains a rejection; empty when Usable.
	Reason string
}

func reject(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Decide checks a candidate record against the current algorithm, cache
// implementation version, and reconciliation rules.
func Decide(record *core.BuildRecord, config *core.Configuration, algo hashes.Algorithm, cacheImplementationVersion string) Decision {
	if record.HashAlgorithm != algo {
		return logged(record, reject("record hashed with %s, current algorithm is %s", record.HashAlgorithm, algo))
	}
	if !versionsCompatible(record.CacheImplementationVersion, cacheImplementationVersion) {
		return logged(record, reject("record written by cache version %s, current is %s", record.CacheImplementationVersion, cacheImplementationVersion))
	}
	for _, step := range record.Steps {
		rule, ok := config.ExecutionControl.Reconcile.RuleFor(step)
		if !ok {
			continue
		}
		for _, property := range rule.Reconciles {
			if _, present := step.TrackedProperties[property]; !present {
				return logged(record, reject("step %s does not carry tracked property %q", step.Key(), property))
			}
		}
	}
	return Decision{Usable: true}
}

func logged(record *core.BuildRecord, d Decision) Decision {
	log.Debug("Rejecting record for %s: %s", record.ModuleID, d.Reason)
	return d
}

// versionsCompatible compares cache implementation versions. Versions that
// parse as semver are compared by value, so "1.0" and "1.0.0" name the same
// implementation; anything unparseable falls back to exact string equality.
func versionsCompatible(recorded, current string) bool {
	rv, err1 := semver.NewVersion(recorded)
	cv, err2 := semver.NewVersion(current)
	if err1 != nil || err2 != nil {
		return recorded == current
	}
	return rv.Equal(cv)
}
