package policy

import (
	"fmt"
	"strings"

	"github.com/armoriq/sentinel/internal/intent"
)

// ExpenseThresholdRule denies expenses above a hard ceiling.
type ExpenseThresholdRule struct {
	ruleMeta
	Tools     []string
	MaxAmount float64
}

func newExpenseThresholdRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools     []string `yaml:"tools"`
		MaxAmount float64  `yaml:"max_amount"`
	}{MaxAmount: 10000}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &ExpenseThresholdRule{
		ruleMeta: ruleMeta{id: id, domain: "expense", predicate: "amount_threshold",
			desc: "Hard ceiling on single expenses"},
		Tools: p.Tools, MaxAmount: p.MaxAmount,
	}, nil
}

func (r *ExpenseThresholdRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	amount, ok := argFloat(it.Args, "amount")
	if !ok {
		return NotApplicable()
	}
	if amount <= r.MaxAmount {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Split the expense or request approval above $%.0f", r.MaxAmount),
		Reversibility: intent.ReversibilityMedium,
		Suggestions: []intent.Suggestion{
			{Type: "escalate", Description: "Route to finance for manual approval",
				Reversibility: intent.ReversibilityMedium, RequiresApproval: true},
		},
	}
	return Deny(r.id, fmt.Sprintf("expense $%.2f exceeds ceiling of $%.0f", amount, r.MaxAmount), rem)
}

// ReceiptRequiredRule denies expenses above a floor that lack a receipt.
type ReceiptRequiredRule struct {
	ruleMeta
	Tools []string
	Floor float64
}

func newReceiptRequiredRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools []string `yaml:"tools"`
		Floor float64  `yaml:"floor"`
	}{Floor: 50}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &ReceiptRequiredRule{
		ruleMeta: ruleMeta{id: id, domain: "expense", predicate: "receipt_required",
			desc: "Receipts required above a floor"},
		Tools: p.Tools, Floor: p.Floor,
	}, nil
}

func (r *ReceiptRequiredRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	amount, ok := argFloat(it.Args, "amount")
	if !ok {
		return NotApplicable()
	}
	if amount <= r.Floor || argBool(it.Args, "has_receipt") {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Attach a receipt for expenses over $%.0f", r.Floor),
		AutoFix:       map[string]interface{}{"has_receipt": true},
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{Type: "add_requirement", Field: "has_receipt",
				Description:   fmt.Sprintf("Attach a receipt for the $%.2f expense", amount),
				Reversibility: intent.ReversibilityHigh},
		},
	}
	return Deny(r.id, fmt.Sprintf("receipt required for expenses over $%.0f", r.Floor), rem)
}

// SelfApprovalRule denies expense approvals where the approver is the
// submitter.
type SelfApprovalRule struct {
	ruleMeta
	Tools []string
}

func newSelfApprovalRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string `yaml:"tools"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &SelfApprovalRule{
		ruleMeta: ruleMeta{id: id, domain: "expense", predicate: "self_approval_ban",
			desc: "Submitters cannot approve their own expenses"},
		Tools: p.Tools,
	}, nil
}

func (r *SelfApprovalRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	submitter := argString(it.Args, "submitter")
	approver := argString(it.Args, "approver")
	if submitter == "" || approver == "" {
		return NotApplicable()
	}
	if !strings.EqualFold(submitter, approver) {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       "Route the approval to the submitter's manager",
		Reversibility: intent.ReversibilityHigh,
		Suggestions: []intent.Suggestion{
			{Type: "modify_value", Field: "approver",
				Description:   "Assign a different approver",
				Reversibility: intent.ReversibilityHigh},
		},
	}
	return Deny(r.id, "self-approval of expenses is not permitted", rem)
}

// CategoryCapRule enforces per-category expense sub-caps.
type CategoryCapRule struct {
	ruleMeta
	Tools []string
	Caps  map[string]float64
}

func newCategoryCapRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string           `yaml:"tools"`
		Caps  map[string]float64 `yaml:"caps"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &CategoryCapRule{
		ruleMeta: ruleMeta{id: id, domain: "expense", predicate: "category_caps",
			desc: "Per-category expense sub-caps"},
		Tools: p.Tools, Caps: p.Caps,
	}, nil
}

func (r *CategoryCapRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	amount, ok := argFloat(it.Args, "amount")
	if !ok {
		return NotApplicable()
	}
	category := strings.ToLower(argString(it.Args, "category"))
	cap, known := r.Caps[category]
	if !known {
		return NotApplicable()
	}
	if amount <= cap {
		return Allow(r.id)
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Reduce the %s expense to $%.0f or below", category, cap),
		AutoFix:       map[string]interface{}{"amount": cap},
		Reversibility: intent.ReversibilityHigh,
	}
	return Deny(r.id, fmt.Sprintf("%s expense $%.2f exceeds category cap of $%.0f", category, amount, cap), rem)
}

// CurrencyWhitelistRule denies expenses in non-approved currencies.
type CurrencyWhitelistRule struct {
	ruleMeta
	Tools      []string
	Currencies []string
}

func newCurrencyWhitelistRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools      []string `yaml:"tools"`
		Currencies []string `yaml:"currencies"`
	}{Currencies: []string{"USD"}}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &CurrencyWhitelistRule{
		ruleMeta: ruleMeta{id: id, domain: "expense", predicate: "currency_whitelist",
			desc: "Approved settlement currencies only"},
		Tools: p.Tools, Currencies: p.Currencies,
	}, nil
}

func (r *CurrencyWhitelistRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	currency := argString(it.Args, "currency")
	if currency == "" {
		return NotApplicable()
	}
	for _, c := range r.Currencies {
		if strings.EqualFold(c, currency) {
			return Allow(r.id)
		}
	}
	rem := &intent.Remediation{
		Summary:       fmt.Sprintf("Resubmit in an approved currency (%s)", strings.Join(r.Currencies, ", ")),
		Reversibility: intent.ReversibilityHigh,
	}
	return Deny(r.id, fmt.Sprintf("currency %q is not approved for settlement", currency), rem)
}
