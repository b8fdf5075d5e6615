package policy

import (
	"fmt"
	"log"
	"sort"
	"sync/atomic"

	"github.com/armoriq/sentinel/internal/intent"
)

// RuleSet is an immutable snapshot of the active rules. In-flight
// evaluations keep running against the snapshot they captured even while a
// reload swaps in a new one.
type RuleSet struct {
	Version string
	rules   []Rule // sorted by rule id ascending
}

// NewRuleSet builds a snapshot, ordering the rules by id for deterministic
// evaluation.
func NewRuleSet(version string, rules []Rule) *RuleSet {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	return &RuleSet{Version: version, rules: sorted}
}

// Rules returns the snapshot's rules in evaluation order.
func (rs *RuleSet) Rules() []Rule { return rs.rules }

// Engine evaluates intents against the active rule set.
type Engine struct {
	active atomic.Pointer[RuleSet]
	logger *log.Logger
}

// NewEngine creates an engine with the given initial rule set.
func NewEngine(rs *RuleSet, logger *log.Logger) *Engine {
	e := &Engine{logger: logger}
	e.active.Store(rs)
	return e
}

// Reload atomically swaps the active rule set and returns its version.
func (e *Engine) Reload(rs *RuleSet) string {
	old := e.active.Swap(rs)
	if e.logger != nil {
		oldV := ""
		if old != nil {
			oldV = old.Version
		}
		e.logger.Printf("[policy] rule set reloaded: %s -> %s (%d rules)", oldV, rs.Version, len(rs.rules))
	}
	return rs.Version
}

// Snapshot returns the currently active rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.active.Load()
}

// Version returns the active rule set version.
func (e *Engine) Version() string {
	if rs := e.active.Load(); rs != nil {
		return rs.Version
	}
	return ""
}

// ListRules returns descriptors for every active rule, in evaluation order.
func (e *Engine) ListRules() []RuleDescriptor {
	rs := e.active.Load()
	if rs == nil {
		return nil
	}
	out := make([]RuleDescriptor, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Descriptor()
	}
	return out
}

// Evaluate runs every rule of the active snapshot against the intent and
// composes the verdict. It is a pure function of (intent, ctx, snapshot):
// repeated calls return the same verdict.
func (e *Engine) Evaluate(it *intent.Intent, ctx *Context) *intent.Verdict {
	return e.EvaluateWith(e.active.Load(), it, ctx)
}

// EvaluateWith evaluates against an explicit snapshot. The simulator uses
// this to pin a policy version across a whole plan.
func (e *Engine) EvaluateWith(rs *RuleSet, it *intent.Intent, ctx *Context) *intent.Verdict {
	if rs == nil {
		return &intent.Verdict{
			Decision: intent.DecisionDeny,
			Reasons:  []string{"policy engine has no active rule set"},
		}
	}

	var denies, modifies, warns []Outcome
	var crashed []string

	for _, r := range rs.rules {
		out, didCrash := e.evaluateRule(r, it, ctx)
		if didCrash {
			crashed = append(crashed, r.ID())
		}
		switch out.Kind {
		case KindDeny:
			denies = append(denies, out)
		case KindModify:
			modifies = append(modifies, out)
		case KindWarn:
			warns = append(warns, out)
		}
	}

	v := compose(denies, modifies, warns)
	v.CrashedRules = crashed
	return v
}

// evaluateRule guards against a crashing rule: a panic is converted into a
// Deny so one bad rule cannot take the pipeline down or mask the others.
func (e *Engine) evaluateRule(r Rule, it *intent.Intent, ctx *Context) (out Outcome, crashed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if e.logger != nil {
				e.logger.Printf("[policy] rule %s crashed: %v", r.ID(), rec)
			}
			out = Deny(r.ID(), fmt.Sprintf("rule crash: %s", r.ID()), nil)
			crashed = true
		}
	}()
	return r.Evaluate(it, ctx), false
}

// compose applies the strict precedence: Deny > Modify > Warn > Allow.
// Outcomes arrive already ordered by rule id (the snapshot is sorted), so
// the first of each class is the headline.
func compose(denies, modifies, warns []Outcome) *intent.Verdict {
	if len(denies) > 0 {
		v := &intent.Verdict{Decision: intent.DecisionDeny}
		for _, d := range denies {
			v.RuleIDs = append(v.RuleIDs, d.RuleID)
			v.Reasons = append(v.Reasons, d.Reason)
		}
		v.Remediation = denies[0].Remediation
		return v
	}

	if len(modifies) > 0 {
		patch := make(map[string]interface{})
		for _, m := range modifies {
			for field, val := range m.Patch {
				if _, clash := patch[field]; clash {
					// Overlapping patches are a configuration error;
					// fail closed.
					v := &intent.Verdict{Decision: intent.DecisionDeny}
					for _, mm := range modifies {
						v.RuleIDs = append(v.RuleIDs, mm.RuleID)
					}
					v.Reasons = []string{
						fmt.Sprintf("conflicting MODIFY patches on field %q", field),
					}
					return v
				}
				patch[field] = val
			}
		}
		v := &intent.Verdict{Decision: intent.DecisionModify, Patch: patch}
		for _, m := range modifies {
			v.RuleIDs = append(v.RuleIDs, m.RuleID)
			v.Reasons = append(v.Reasons, m.Reason)
		}
		return v
	}

	if len(warns) > 0 {
		v := &intent.Verdict{Decision: intent.DecisionWarn}
		for _, w := range warns {
			v.RuleIDs = append(v.RuleIDs, w.RuleID)
			v.Reasons = append(v.Reasons, w.Reason)
		}
		return v
	}

	return &intent.Verdict{Decision: intent.DecisionAllow}
}
