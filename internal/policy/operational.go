package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/armoriq/sentinel/internal/intent"
)

// ChangeWindowRule blocks infrastructure changes outside the approved
// change window.
type ChangeWindowRule struct {
	ruleMeta
	Tools     []string
	StartHour int
	EndHour   int
	Days      []string // weekday names; empty means any day
}

func newChangeWindowRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools     []string `yaml:"tools"`
		StartHour int      `yaml:"start_hour"`
		EndHour   int      `yaml:"end_hour"`
		Days      []string `yaml:"days"`
	}{StartHour: 22, EndHour: 6}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &ChangeWindowRule{
		ruleMeta: ruleMeta{id: id, domain: "operational", predicate: "change_window",
			desc: "Infrastructure changes only inside the change window"},
		Tools: p.Tools, StartHour: p.StartHour, EndHour: p.EndHour, Days: p.Days,
	}, nil
}

func (r *ChangeWindowRule) inWindow(t time.Time) bool {
	if len(r.Days) > 0 {
		dayOK := false
		for _, d := range r.Days {
			if strings.EqualFold(d, t.Weekday().String()) {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}
	h := t.Hour()
	if r.StartHour <= r.EndHour {
		return h >= r.StartHour && h < r.EndHour
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return h >= r.StartHour || h < r.EndHour
}

func (r *ChangeWindowRule) Evaluate(it *intent.Intent, ctx *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if argBool(it.Args, "emergency") {
		return Warn(r.id, "emergency change outside window; post-hoc review required")
	}
	now := ctx.EffectiveTime(it)
	if r.inWindow(now) {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Defer the change to the %02d:00-%02d:00 window", r.StartHour, r.EndHour),
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{Type: "escalate", Description: "File an emergency-change exception",
				Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
		},
	}
	return Deny(r.id, fmt.Sprintf("change at %02d:00 is outside the approved window", now.Hour()), rem)
}

// SLAThresholdRule warns when a promised response SLA undercuts the floor
// the team can actually honor.
type SLAThresholdRule struct {
	ruleMeta
	Tools    []string
	MinHours float64
}

func newSLAThresholdRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools    []string `yaml:"tools"`
		MinHours float64  `yaml:"min_hours"`
	}{MinHours: 4}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &SLAThresholdRule{
		ruleMeta: ruleMeta{id: id, domain: "operational", predicate: "sla_threshold",
			desc: "Warn on SLA promises below the supportable floor"},
		Tools: p.Tools, MinHours: p.MinHours,
	}, nil
}

func (r *SLAThresholdRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	hours, ok := argFloat(it.Args, "response_hours")
	if !ok {
		return NotApplicable()
	}
	if hours >= r.MinHours {
		return Allow(r.id)
	}
	return Warn(r.id, fmt.Sprintf("promised %0.1fh SLA is below the %0.1fh supportable floor", hours, r.MinHours))
}

// ToolAllowlistRule denies tools that are not on the configured allowlist.
type ToolAllowlistRule struct {
	ruleMeta
	Allowed []string
}

func newToolAllowlistRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Allowed []string `yaml:"allowed"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Allowed) == 0 {
		return nil, fmt.Errorf("tool_allowlist: empty allowlist")
	}
	return &ToolAllowlistRule{
		ruleMeta: ruleMeta{id: id, domain: "operational", predicate: "tool_allowlist",
			desc: "Only allowlisted tools may be invoked"},
		Allowed: p.Allowed,
	}, nil
}

func (r *ToolAllowlistRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if toolMatches(it.Tool, r.Allowed) {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Request the tool be added to the deployment allowlist",
		Reversibility: intent.ReversibilityMedium,
		Suggestions: []intent.Suggestion{
			{Type: "escalate", Description: fmt.Sprintf("Propose adding %q to the allowlist", it.Tool),
				Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
		},
	}
	return Deny(r.id, fmt.Sprintf("tool %q is not on the allowlist", it.Tool), rem)
}
