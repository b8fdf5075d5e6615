package intent

import (
	"time"

	"github.com/google/uuid"
)

// Intent is a single proposed tool invocation by an agent. It is created by
// the gateway, consumed by the policy and drift engines, persisted once in
// the ledger, and never mutated afterwards.
type Intent struct {
	ID           string                 `json:"id"`
	AgentID      string                 `json:"agent_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Description  string                 `json:"description"`
	Capabilities []string               `json:"capabilities"`
	Tool         string                 `json:"tool"`
	Args         map[string]interface{} `json:"args"`
	Embedding    []float64              `json:"embedding,omitempty"`
}

// New creates an intent with a fresh id and the current timestamp.
func New(agentID, description, tool string, capabilities []string, args map[string]interface{}) *Intent {
	return &Intent{
		ID:           "INT-" + uuid.New().String(),
		AgentID:      agentID,
		Timestamp:    time.Now().UTC(),
		Description:  description,
		Capabilities: capabilities,
		Tool:         tool,
		Args:         args,
	}
}

// Decision is the terminal outcome of policy evaluation for an intent.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionDeny   Decision = "DENY"
	DecisionModify Decision = "MODIFY"
	DecisionWarn   Decision = "WARN"
)

// Proceeds reports whether the action may execute (possibly with a patched
// payload or a surfaced warning).
func (d Decision) Proceeds() bool {
	return d == DecisionAllow || d == DecisionModify || d == DecisionWarn
}

// Reversibility tags how easily a remediation can be undone.
type Reversibility string

const (
	ReversibilityHigh   Reversibility = "high"
	ReversibilityMedium Reversibility = "medium"
	ReversibilityLow    Reversibility = "low"
)

// Suggestion is a single remediation option for a denied action.
type Suggestion struct {
	Type             string                 `json:"type"` // modify_value, modify_content, escalate, alternative, add_requirement
	Field            string                 `json:"field,omitempty"`
	Value            interface{}            `json:"value,omitempty"`
	Description      string                 `json:"description"`
	Reversibility    Reversibility          `json:"reversibility"`
	RequiresApproval bool                   `json:"requires_approval"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Score ranks suggestions: safer and more reversible options first.
func (s Suggestion) Score() float64 {
	rev := map[Reversibility]float64{
		ReversibilityHigh:   1.0,
		ReversibilityMedium: 0.6,
		ReversibilityLow:    0.2,
	}[s.Reversibility]
	score := rev
	if s.Type == "modify_value" {
		score += 0.5
	}
	if s.RequiresApproval {
		score -= 0.3
	}
	return score
}

// Remediation is the rule-owned fix proposal attached to a Deny outcome.
type Remediation struct {
	Summary       string                 `json:"summary"`
	AutoFix       map[string]interface{} `json:"auto_fix,omitempty"`
	Reversibility Reversibility          `json:"reversibility"`
	Suggestions   []Suggestion           `json:"suggestions,omitempty"`
}

// AutoFixable reports whether the remediation carries a concrete patch.
func (r *Remediation) AutoFixable() bool {
	return r != nil && len(r.AutoFix) > 0
}

// Verdict is the composite outcome of policy evaluation. Immutable once
// produced by the engine.
type Verdict struct {
	Decision     Decision               `json:"decision"`
	RuleIDs      []string               `json:"rule_ids,omitempty"`
	Reasons      []string               `json:"reasons,omitempty"`
	Patch        map[string]interface{} `json:"patch,omitempty"`
	Remediation  *Remediation           `json:"remediation,omitempty"`
	CrashedRules []string               `json:"crashed_rules,omitempty"`
}

// Headline returns the first reason by precedence, or an empty string.
func (v *Verdict) Headline() string {
	if len(v.Reasons) == 0 {
		return ""
	}
	return v.Reasons[0]
}

// Allowed reports whether the verdict lets the action proceed.
func (v *Verdict) Allowed() bool {
	return v.Decision.Proceeds()
}
