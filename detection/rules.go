// Package detection decides whether a connected device belongs to one of the enhanced-support families, waiting
// for late descriptor properties when a rule cannot be decided yet.
package detection

import (
	"slices"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"

	"github.com/budslink/agent/bluez"
)

type Verdict int

const (
	Unsupported Verdict = iota
	Pending
	Supported
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case Supported:
		return "supported"
	default:
		return "unsupported"
	}
}

// Predicate decides a rule once its descriptors are populated. An error means the descriptors were malformed.
type Predicate func(id bluez.DeviceIdentity) (bool, error)

// Rule describes one family. Rules are evaluated in order and the first match wins.
type Rule struct {
	Family     string
	ProtocolID uuid.UUID
	// all must be advertised for the rule to apply at all
	RequiredServices []uuid.UUID
	// descriptors that must be populated before Match is consulted
	RequiredFields []string
	// nil matches every device that has the services and fields
	Match Predicate
}

func (r Rule) missingFields(id bluez.DeviceIdentity) []string {
	var missing []string
	for _, field := range r.RequiredFields {
		if _, ok := id.Descriptor(field); !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// Result is the outcome of evaluating a device against a rule list.
type Result struct {
	Verdict Verdict
	// Family is set for Supported
	Family string
	// Rule is the matching rule for Supported and the rule being waited on for Pending
	Rule *Rule
	// Errs lists predicate failures of rules that were skipped
	Errs []error

	index int
}

// Evaluate runs id through rules in order.
func Evaluate(id bluez.DeviceIdentity, rules []Rule) Result {
	return evaluateFrom(id, rules, 0)
}

func evaluateFrom(id bluez.DeviceIdentity, rules []Rule, start int) Result {
	var errs []error
	for i := start; i < len(rules); i++ {
		rule := &rules[i]
		if !id.HasServices(rule.RequiredServices) {
			continue
		}
		if len(rule.missingFields(id)) > 0 {
			// wait on this rule, lower priority rules stay unevaluated
			return Result{Verdict: Pending, Rule: rule, Errs: errs, index: i}
		}
		if rule.Match == nil {
			return Result{Verdict: Supported, Family: rule.Family, Rule: rule, Errs: errs, index: i}
		}
		ok, err := rule.Match(id)
		if err != nil {
			errs = append(errs, errw.Wrapf(err, "evaluating %s rule for %s", rule.Family, id.Path))
			continue
		}
		if ok {
			return Result{Verdict: Supported, Family: rule.Family, Rule: rule, Errs: errs, index: i}
		}
	}
	return Result{Verdict: Unsupported, Errs: errs, index: len(rules)}
}

// touches reports whether any of changed is one of watched.
func touches(changed, watched []string) bool {
	for _, c := range changed {
		if slices.Contains(watched, c) {
			return true
		}
	}
	return false
}
