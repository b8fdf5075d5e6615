package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/armoriq/sentinel/internal/intent"
	cedar "github.com/cedar-policy/cedar-go"
)

// CedarAuthzRule evaluates tool invocations against a Cedar policy set.
// Deployments express operational authorization constraints (which agents
// may invoke which tools, capability-conditioned forbids) in Cedar rather
// than as bespoke predicates. The policy set is loaded when the rule is
// built, so a rule-source reload picks up Cedar changes atomically too.
type CedarAuthzRule struct {
	ruleMeta
	policies *cedar.PolicySet
}

func newCedarAuthzRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Path string `yaml:"path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("cedar_authz: path is required")
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("cedar_authz: read %s: %w", p.Path, err)
	}

	ps := cedar.NewPolicySet()
	for i, chunk := range strings.Split(string(data), ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var pol cedar.Policy
		if err := pol.UnmarshalCedar([]byte(chunk + ";")); err != nil {
			return nil, fmt.Errorf("cedar_authz: parse policy part %d: %w", i, err)
		}
		ps.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &pol)
	}

	return &CedarAuthzRule{
		ruleMeta: ruleMeta{id: id, domain: "operational", predicate: "cedar_authz",
			desc: "Cedar-expressed tool invocation authorization"},
		policies: ps,
	}, nil
}

func (r *CedarAuthzRule) Evaluate(it *intent.Intent, ctx *Context) Outcome {
	capValues := make([]cedar.Value, len(it.Capabilities))
	for i, c := range it.Capabilities {
		capValues[i] = cedar.String(c)
	}

	now := ctx.EffectiveTime(it)
	req := cedar.Request{
		Principal: cedar.NewEntityUID("Agent", cedar.String(it.AgentID)),
		Action:    cedar.NewEntityUID("Action", "invoke_tool"),
		Resource:  cedar.NewEntityUID("Tool", cedar.String(it.Tool)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"capabilities": cedar.NewSet(capValues...),
			"hour":         cedar.Long(int64(now.Hour())),
			"weekday":      cedar.String(now.Weekday().String()),
		}),
	}

	entities := cedar.EntityMap{
		cedar.NewEntityUID("Tool", cedar.String(it.Tool)): cedar.Entity{
			UID: cedar.NewEntityUID("Tool", cedar.String(it.Tool)),
		},
	}

	ok, diagnostics := cedar.Authorize(r.policies, entities, req)
	if ok {
		return Allow(r.id)
	}

	reason := "cedar policy denied the tool invocation"
	if len(diagnostics.Reasons) > 0 {
		reason = fmt.Sprintf("cedar policy %s denied the tool invocation", diagnostics.Reasons[0].PolicyID)
	}
	rem := &intent.Remediation{
		Summary:       "Review the operational Cedar policy for this tool",
		Reversibility: intent.ReversibilityMedium,
	}
	return Deny(r.id, reason, rem)
}
