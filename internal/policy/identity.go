package policy

import (
	"github.com/armoriq/sentinel/internal/intent"
)

// RightToWorkRule blocks onboarding actions until work authorization has
// been verified.
type RightToWorkRule struct {
	ruleMeta
	Tools []string
}

func newRightToWorkRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &RightToWorkRule{
		ruleMeta: ruleMeta{id: id, domain: "identity", predicate: "right_to_work",
			desc: "Onboarding requires verified work authorization"},
		Tools: p.Tools,
	}, nil
}

func (r *RightToWorkRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if argBool(it.Args, "work_authorization_verified") {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Complete I-9 / right-to-work verification before onboarding",
		Reversibility: intent.ReversibilityLow,
		Suggestions: []intent.Suggestion{
			{Type: "add_requirement", Field: "work_authorization_verified",
				Description:   "Collect and verify work-authorization documents",
				Reversibility: intent.ReversibilityLow, RequiresApproval: true},
		},
	}
	return Deny(r.id, "onboarding blocked: work authorization not verified", rem)
}

// BackgroundCheckRule blocks offer dispatch until the background check has
// cleared.
type BackgroundCheckRule struct {
	ruleMeta
	Tools []string
}

func newBackgroundCheckRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &BackgroundCheckRule{
		ruleMeta: ruleMeta{id: id, domain: "identity", predicate: "background_check",
			desc: "Offers require a cleared background check"},
		Tools: p.Tools,
	}, nil
}

func (r *BackgroundCheckRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if argBool(it.Args, "background_check_complete") {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Wait for the background check to clear before sending",
		Reversibility: intent.ReversibilityMedium,
	}
	return Deny(r.id, "offer blocked: background check not complete", rem)
}
