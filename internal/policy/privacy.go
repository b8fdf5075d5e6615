package policy

import (
	"fmt"
	"strings"

	"github.com/armoriq/sentinel/internal/intent"
)

// MinimumNecessaryRule blocks bulk data pulls beyond a record threshold.
type MinimumNecessaryRule struct {
	ruleMeta
	Tools      []string
	MaxRecords float64
}

func newMinimumNecessaryRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools      []string `yaml:"tools"`
		MaxRecords float64  `yaml:"max_records"`
	}{MaxRecords: 100}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &MinimumNecessaryRule{
		ruleMeta: ruleMeta{id: id, domain: "privacy", predicate: "minimum_necessary",
			desc: "Bulk exports capped at a record threshold"},
		Tools: p.Tools, MaxRecords: p.MaxRecords,
	}, nil
}

func (r *MinimumNecessaryRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	count, ok := argFloat(it.Args, "record_count")
	if !ok {
		// An export with no declared size is treated as bulk.
		count = r.MaxRecords + 1
	}
	if count <= r.MaxRecords {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Use a filtered query under %.0f records, or request admin approval", r.MaxRecords),
		Reversibility: intent.ReversibilityMedium,
		Suggestions: []intent.Suggestion{
			{Type: "alternative", Description: "Replace the export with a filtered query",
				Reversibility: intent.ReversibilityHigh},
			{Type: "escalate", Description: "Request admin approval for the bulk export",
				Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
		},
	}
	return Deny(r.id, fmt.Sprintf("bulk export of %.0f records exceeds minimum-necessary threshold", count), rem)
}

// RetentionLimitRule blocks retention requests beyond the per-category
// limit.
type RetentionLimitRule struct {
	ruleMeta
	Tools  []string
	Limits map[string]float64 // category -> max retention days
}

func newRetentionLimitRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools  []string           `yaml:"tools"`
		Limits map[string]float64 `yaml:"limits"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &RetentionLimitRule{
		ruleMeta: ruleMeta{id: id, domain: "privacy", predicate: "retention_limit",
			desc: "Per-category data retention limits"},
		Tools: p.Tools, Limits: p.Limits,
	}, nil
}

func (r *RetentionLimitRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	days, ok := argFloat(it.Args, "retention_days")
	if !ok {
		return NotApplicable()
	}
	category := strings.ToLower(argString(it.Args, "category"))
	limit, known := r.Limits[category]
	if !known {
		return NotApplicable()
	}
	if days <= limit {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Reduce retention to %.0f days for %s data", limit, category),
		AutoFix:       map[string]interface{}{"retention_days": limit},
		Reversibility: intent.ReversibilityHigh,
	}
	return Deny(r.id, fmt.Sprintf("retention of %.0f days exceeds %.0f-day limit for %s data", days, limit, category), rem)
}

// CrossBorderRule requires an explicit transfer marker before personal data
// leaves the deployment region.
type CrossBorderRule struct {
	ruleMeta
	Tools []string
}

func newCrossBorderRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &CrossBorderRule{
		ruleMeta: ruleMeta{id: id, domain: "privacy", predicate: "cross_border",
			desc: "Cross-border transfers need an explicit marker"},
		Tools: p.Tools,
	}, nil
}

func (r *CrossBorderRule) Evaluate(it *intent.Intent, ctx *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	dest := argString(it.Args, "destination_region")
	if dest == "" || ctx == nil || ctx.Region == "" || strings.EqualFold(dest, ctx.Region) {
		return NotApplicable()
	}
	if argBool(it.Args, "transfer_mechanism_approved") {
		return Warn(r.id, fmt.Sprintf("cross-border transfer to %s under approved mechanism", dest))
	}
	rem := &intent.Remediation{
		Summary:       "Attach an approved transfer mechanism (SCC or adequacy) before moving data",
		Reversibility: intent.ReversibilityLow,
	}
	return Deny(r.id, fmt.Sprintf("cross-border transfer to %s without approved mechanism", dest), rem)
}

// PeerPerformanceRule blocks reading another employee's performance data.
type PeerPerformanceRule struct {
	ruleMeta
	Tools []string
}

func newPeerPerformanceRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &PeerPerformanceRule{
		ruleMeta: ruleMeta{id: id, domain: "privacy", predicate: "peer_performance",
			desc: "No access to peers' performance reviews"},
		Tools: p.Tools,
	}, nil
}

func (r *PeerPerformanceRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	employee := argString(it.Args, "employee_id")
	requester := argString(it.Args, "requester")
	if employee == "" || requester == "" {
		return NotApplicable()
	}
	if strings.EqualFold(employee, requester) || argBool(it.Args, "is_manager") {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Request access through the employee's manager",
		Reversibility: intent.ReversibilityHigh,
	}
	return Deny(r.id, "cannot access another employee's performance reviews", rem)
}

// ConsentRequiredRule blocks processing candidate data without a recorded
// consent flag.
type ConsentRequiredRule struct {
	ruleMeta
	Tools []string
}

func newConsentRequiredRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &ConsentRequiredRule{
		ruleMeta: ruleMeta{id: id, domain: "privacy", predicate: "consent_required",
			desc: "Candidate data processing requires consent"},
		Tools: p.Tools,
	}, nil
}

func (r *ConsentRequiredRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if _, present := it.Args["consent"]; !present {
		return NotApplicable()
	}
	if argBool(it.Args, "consent") {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Obtain and record the subject's consent first",
		Reversibility: intent.ReversibilityLow,
	}
	return Deny(r.id, "processing blocked: subject consent not recorded", rem)
}
