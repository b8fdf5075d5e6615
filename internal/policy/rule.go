package policy

import (
	"time"

	"github.com/armoriq/sentinel/internal/intent"
)

// OutcomeKind is the sealed set of results a rule can produce.
type OutcomeKind int

const (
	// KindNotApplicable means the rule cannot decide for this intent.
	KindNotApplicable OutcomeKind = iota
	KindAllow
	KindWarn
	KindModify
	KindDeny
)

// Outcome is the result of evaluating one rule against one intent.
type Outcome struct {
	Kind        OutcomeKind
	RuleID      string
	Reason      string
	Patch       map[string]interface{}
	Remediation *intent.Remediation
}

// NotApplicable is the outcome of a rule that cannot decide.
func NotApplicable() Outcome { return Outcome{Kind: KindNotApplicable} }

// Allow approves the intent as far as this rule is concerned.
func Allow(ruleID string) Outcome {
	return Outcome{Kind: KindAllow, RuleID: ruleID}
}

// Warn lets the intent proceed with a surfaced warning.
func Warn(ruleID, reason string) Outcome {
	return Outcome{Kind: KindWarn, RuleID: ruleID, Reason: reason}
}

// Modify lets the intent proceed with a patched payload.
func Modify(ruleID, reason string, patch map[string]interface{}) Outcome {
	return Outcome{Kind: KindModify, RuleID: ruleID, Reason: reason, Patch: patch}
}

// Deny blocks the intent. Rules own their remediation.
func Deny(ruleID, reason string, rem *intent.Remediation) Outcome {
	return Outcome{Kind: KindDeny, RuleID: ruleID, Reason: reason, Remediation: rem}
}

// Context carries evaluation inputs that are not part of the intent itself.
// It is supplied per call; rules must stay pure functions of (intent, ctx).
type Context struct {
	// Now is the evaluation clock. The simulator supplies synthetic times.
	Now time.Time
	// Actor is the human or agent principal on whose behalf the intent runs.
	Actor string
	// Region is the deployment jurisdiction, consulted by privacy rules.
	Region string
	// DailyActionCount is the actor's action count so far today, supplied
	// by the gateway for quota rules.
	DailyActionCount int
	// Extra carries deployment-specific evaluation inputs.
	Extra map[string]interface{}
}

// EffectiveTime returns ctx.Now, falling back to the intent timestamp.
func (c *Context) EffectiveTime(it *intent.Intent) time.Time {
	if c != nil && !c.Now.IsZero() {
		return c.Now
	}
	return it.Timestamp
}

// Rule is a pure predicate over (intent, context). Implementations must be
// side-effect-free; a rule that cannot decide returns NotApplicable.
type Rule interface {
	ID() string
	Descriptor() RuleDescriptor
	Evaluate(it *intent.Intent, ctx *Context) Outcome
}

// RuleDescriptor is the introspection record for a registered rule.
type RuleDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	Domain      string `json:"domain" yaml:"domain"`
	Predicate   string `json:"predicate" yaml:"predicate"`
	Description string `json:"description" yaml:"description"`
}
