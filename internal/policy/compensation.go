package policy

import (
	"fmt"

	"github.com/armoriq/sentinel/internal/intent"
)

// Band is a per-level compensation range.
type Band struct {
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
	EquityCap float64 `yaml:"equity_cap"`
	TotalCap  float64 `yaml:"total_cap"`
}

func intentLevel(it *intent.Intent) string {
	if lvl := argString(it.Args, "level"); lvl != "" {
		return lvl
	}
	return argString(it.Args, "role")
}

// CompensationBandsRule enforces per-level salary floors and ceilings.
type CompensationBandsRule struct {
	ruleMeta
	Tools []string
	Bands map[string]Band
}

func newCompensationBandsRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string        `yaml:"tools"`
		Bands map[string]Band `yaml:"bands"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Bands) == 0 {
		return nil, fmt.Errorf("compensation_bands: no bands configured")
	}
	return &CompensationBandsRule{
		ruleMeta: ruleMeta{id: id, domain: "compensation", predicate: "compensation_bands",
			desc: "Per-level salary floor and ceiling"},
		Tools: p.Tools, Bands: p.Bands,
	}, nil
}

func (r *CompensationBandsRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	salary, ok := argFloat(it.Args, "salary")
	if !ok {
		return NotApplicable()
	}
	level := intentLevel(it)
	band, known := r.Bands[level]
	if !known {
		rem := &intent.Remediation{
			Summary:       fmt.Sprintf("Unknown level %q; use a configured level", level),
			Reversibility: intent.ReversibilityHigh,
		}
		return Deny(r.id, fmt.Sprintf("no compensation band for level %q", level), rem)
	}

	if salary > band.Max {
		rem := &intent.Remediation{
			Summary:       fmt.Sprintf("Clamp salary to the %s band maximum of $%.0f", level, band.Max),
			AutoFix:       map[string]interface{}{"salary": band.Max},
			Reversibility: intent.ReversibilityHigh,
			Suggestions: []intent.Suggestion{
				{Type: "modify_value", Field: "salary", Value: band.Max,
					Description:   fmt.Sprintf("Reduce salary to $%.0f (max for %s)", band.Max, level),
					Reversibility: intent.ReversibilityHigh},
				{Type: "escalate", Description: "Request VP approval for an above-band offer",
					Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
			},
		}
		return Deny(r.id, fmt.Sprintf("salary $%.0f exceeds %s cap of $%.0f", salary, level, band.Max), rem)
	}

	if salary < band.Min {
		rem := &intent.Remediation{
			Summary:       fmt.Sprintf("Raise salary to at least the %s band floor of $%.0f", level, band.Min),
			AutoFix:       map[string]interface{}{"salary": band.Min},
			Reversibility: intent.ReversibilityHigh,
		}
		return Deny(r.id, fmt.Sprintf("salary $%.0f is below %s floor of $%.0f", salary, level, band.Min), rem)
	}

	return Allow(r.id)
}

// EquityCapRule enforces per-level equity grant caps.
type EquityCapRule struct {
	ruleMeta
	Tools []string
	Bands map[string]Band
}

func newEquityCapRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string        `yaml:"tools"`
		Bands map[string]Band `yaml:"bands"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &EquityCapRule{
		ruleMeta: ruleMeta{id: id, domain: "compensation", predicate: "equity_cap",
			desc: "Per-level equity grant cap"},
		Tools: p.Tools, Bands: p.Bands,
	}, nil
}

func (r *EquityCapRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	equity, ok := argFloat(it.Args, "equity")
	if !ok || equity == 0 {
		return NotApplicable()
	}
	band, known := r.Bands[intentLevel(it)]
	if !known || band.EquityCap == 0 {
		return NotApplicable()
	}
	if equity <= band.EquityCap {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Clamp equity to $%.0f", band.EquityCap),
		AutoFix:       map[string]interface{}{"equity": band.EquityCap},
		Reversibility: intent.ReversibilityHigh,
	}
	return Deny(r.id, fmt.Sprintf("equity $%.0f exceeds cap of $%.0f", equity, band.EquityCap), rem)
}

// TotalCompGuidelineRule warns when salary plus equity plus bonus exceeds
// the level's total-compensation guideline.
type TotalCompGuidelineRule struct {
	ruleMeta
	Tools []string
	Bands map[string]Band
}

func newTotalCompGuidelineRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string        `yaml:"tools"`
		Bands map[string]Band `yaml:"bands"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &TotalCompGuidelineRule{
		ruleMeta: ruleMeta{id: id, domain: "compensation", predicate: "total_comp_guideline",
			desc: "Warn when total compensation exceeds guideline"},
		Tools: p.Tools, Bands: p.Bands,
	}, nil
}

func (r *TotalCompGuidelineRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	salary, ok := argFloat(it.Args, "salary")
	if !ok {
		return NotApplicable()
	}
	band, known := r.Bands[intentLevel(it)]
	if !known || band.TotalCap == 0 {
		return NotApplicable()
	}
	equity, _ := argFloat(it.Args, "equity")
	bonus, _ := argFloat(it.Args, "bonus")
	total := salary + equity + bonus
	if total <= band.TotalCap {
		return Allow(r.id)
	}
	return Warn(r.id, fmt.Sprintf("total comp $%.0f exceeds guideline of $%.0f", total, band.TotalCap))
}
