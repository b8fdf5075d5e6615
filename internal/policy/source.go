package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RuleSource is the declarative rule document. Each entry names its
// predicate by identifier; unknown identifiers fail the whole load so the
// previous rule set stays active.
type RuleSource struct {
	Version string       `yaml:"version"`
	Rules   []RuleConfig `yaml:"rules"`
}

// RuleConfig declares one rule instance.
type RuleConfig struct {
	ID        string                 `yaml:"id"`
	Predicate string                 `yaml:"predicate"`
	Params    map[string]interface{} `yaml:"params"`
}

// builder constructs a rule from its declarative config.
type builder func(id string, params map[string]interface{}) (Rule, error)

// builders maps predicate identifiers to constructors. The set of
// predicates is sealed at compile time; config only instantiates and
// parameterizes them.
var builders = map[string]builder{
	"weekend_ban":          newWeekendBanRule,
	"business_hours":       newBusinessHoursRule,
	"daily_quota":          newDailyQuotaRule,
	"notice_period":        newNoticePeriodRule,
	"compensation_bands":   newCompensationBandsRule,
	"equity_cap":           newEquityCapRule,
	"total_comp_guideline": newTotalCompGuidelineRule,
	"inclusive_language":   newInclusiveLanguageRule,
	"pii_redact_external":  newPIIRedactExternalRule,
	"external_disclosure":  newExternalDisclosureRule,
	"amount_threshold":     newExpenseThresholdRule,
	"receipt_required":     newReceiptRequiredRule,
	"self_approval_ban":    newSelfApprovalRule,
	"category_caps":        newCategoryCapRule,
	"currency_whitelist":   newCurrencyWhitelistRule,
	"right_to_work":        newRightToWorkRule,
	"background_check":     newBackgroundCheckRule,
	"minimum_necessary":    newMinimumNecessaryRule,
	"retention_limit":      newRetentionLimitRule,
	"cross_border":         newCrossBorderRule,
	"peer_performance":     newPeerPerformanceRule,
	"consent_required":     newConsentRequiredRule,
	"change_window":        newChangeWindowRule,
	"sla_threshold":        newSLAThresholdRule,
	"tool_allowlist":       newToolAllowlistRule,
	"cedar_authz":          newCedarAuthzRule,
}

// decodeParams round-trips a params map into a typed struct via YAML, so
// rule constructors get the same coercion rules as the source document.
func decodeParams(params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// ParseRuleSource parses a YAML document and builds a RuleSet. The version
// is the declared document version suffixed with a content hash, so every
// distinct document gets a distinct version id.
func ParseRuleSource(data []byte) (*RuleSet, error) {
	var src RuleSource
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("rule source: parse: %w", err)
	}
	if len(src.Rules) == 0 {
		return nil, fmt.Errorf("rule source: no rules declared")
	}

	seen := make(map[string]bool, len(src.Rules))
	rules := make([]Rule, 0, len(src.Rules))
	for _, rc := range src.Rules {
		if rc.ID == "" {
			return nil, fmt.Errorf("rule source: rule with empty id")
		}
		if seen[rc.ID] {
			return nil, fmt.Errorf("rule source: duplicate rule id %q", rc.ID)
		}
		seen[rc.ID] = true

		build, ok := builders[rc.Predicate]
		if !ok {
			return nil, fmt.Errorf("rule source: unknown predicate %q for rule %q", rc.Predicate, rc.ID)
		}
		r, err := build(rc.ID, rc.Params)
		if err != nil {
			return nil, fmt.Errorf("rule source: rule %q: %w", rc.ID, err)
		}
		rules = append(rules, r)
	}

	sum := sha256.Sum256(data)
	version := src.Version
	if version == "" {
		version = "0"
	}
	version += "+" + hex.EncodeToString(sum[:])[:12]

	return NewRuleSet(version, rules), nil
}
