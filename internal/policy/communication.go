package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/armoriq/sentinel/internal/intent"
)

func isExternalRecipient(to, internalDomain string) bool {
	return to != "" && internalDomain != "" && !strings.HasSuffix(strings.ToLower(to), strings.ToLower(internalDomain))
}

// InclusiveLanguageRule denies outbound text containing denylisted terms.
// The replacement map is consulted only to build suggestions on the deny,
// never to silently rewrite the text.
type InclusiveLanguageRule struct {
	ruleMeta
	Tools []string
	Terms map[string]string // term -> suggested replacement
}

func newInclusiveLanguageRule(id string, params map[string]interface{}) (Rule, error) {
	var p struct {
		Tools []string          `yaml:"tools"`
		Terms map[string]string `yaml:"terms"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &InclusiveLanguageRule{
		ruleMeta: ruleMeta{id: id, domain: "communication", predicate: "inclusive_language",
			desc: "Deny non-inclusive terms in outbound text"},
		Tools: p.Tools, Terms: p.Terms,
	}, nil
}

func (r *InclusiveLanguageRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	body := argString(it.Args, "body")
	if body == "" {
		body = argString(it.Args, "text")
	}
	if body == "" {
		return NotApplicable()
	}

	lower := strings.ToLower(body)
	var hits []string
	for term := range r.Terms {
		if strings.Contains(lower, strings.ToLower(term)) {
			hits = append(hits, term)
		}
	}
	if len(hits) == 0 {
		return Allow(r.id)
	}
	sort.Strings(hits)

	var suggestions []intent.Suggestion
	for _, term := range hits {
		suggestions = append(suggestions, intent.Suggestion{
			Type:          "modify_content",
			Field:         "body",
			Description:   fmt.Sprintf("Replace %q with %q", term, r.Terms[term]),
			Reversibility: intent.ReversibilityHigh,
		})
	}
	rem := &intent.Remediation{
		Summary:       "Rephrase the flagged terms before sending",
		Reversibility: intent.ReversibilityHigh,
		Suggestions:   suggestions,
	}
	return Deny(r.id, fmt.Sprintf("non-inclusive language: %s", strings.Join(hits, ", ")), rem)
}

// PIIRedactExternalRule redacts structured identifiers (phone, SSN, email)
// from free-text bodies addressed to external recipients. The action still
// proceeds, with the patched body.
type PIIRedactExternalRule struct {
	ruleMeta
	Tools          []string
	InternalDomain string
	Types          []string
	detector       *PIIDetector
}

func newPIIRedactExternalRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools          []string `yaml:"tools"`
		InternalDomain string   `yaml:"internal_domain"`
		Types          []string `yaml:"types"`
	}{Types: []string{"ssn", "phone", "email"}}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &PIIRedactExternalRule{
		ruleMeta: ruleMeta{id: id, domain: "communication", predicate: "pii_redact_external",
			desc: "Redact PII in text sent to external recipients"},
		Tools: p.Tools, InternalDomain: p.InternalDomain, Types: p.Types,
		detector: NewPIIDetector(),
	}, nil
}

func (r *PIIRedactExternalRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	to := argString(it.Args, "to")
	if !isExternalRecipient(to, r.InternalDomain) {
		return NotApplicable()
	}
	body := argString(it.Args, "body")
	if body == "" {
		return NotApplicable()
	}

	found := r.detector.Detect(body)
	var redactTypes []string
	for _, t := range found {
		for _, want := range r.Types {
			if t == want {
				redactTypes = append(redactTypes, t)
			}
		}
	}
	if len(redactTypes) == 0 {
		return Allow(r.id)
	}

	patched := r.detector.Redact(body, redactTypes)
	return Modify(r.id,
		fmt.Sprintf("redacted %s for external recipient", strings.Join(redactTypes, ", ")),
		map[string]interface{}{"body": patched})
}

// ExternalDisclosureRule warns when compensation terms appear in text sent
// outside the company.
type ExternalDisclosureRule struct {
	ruleMeta
	Tools          []string
	InternalDomain string
	Keywords       []string
}

func newExternalDisclosureRule(id string, params map[string]interface{}) (Rule, error) {
	p := struct {
		Tools          []string `yaml:"tools"`
		InternalDomain string   `yaml:"internal_domain"`
		Keywords       []string `yaml:"keywords"`
	}{Keywords: []string{"salary", "equity", "compensation"}}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return &ExternalDisclosureRule{
		ruleMeta: ruleMeta{id: id, domain: "communication", predicate: "external_disclosure",
			desc: "Warn on compensation terms in external text"},
		Tools: p.Tools, InternalDomain: p.InternalDomain, Keywords: p.Keywords,
	}, nil
}

func (r *ExternalDisclosureRule) Evaluate(it *intent.Intent, _ *Context) Outcome {
	if !toolMatches(it.Tool, r.Tools) {
		return NotApplicable()
	}
	if !isExternalRecipient(argString(it.Args, "to"), r.InternalDomain) {
		return NotApplicable()
	}
	body := strings.ToLower(argString(it.Args, "body"))
	if body == "" {
		return NotApplicable()
	}
	for _, kw := range r.Keywords {
		if strings.Contains(body, strings.ToLower(kw)) {
			return Warn(r.id, fmt.Sprintf("compensation term %q in external message", kw))
		}
	}
	return Allow(r.id)
}
