package policy

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/armoriq/sentinel/internal/intent"
)

const testRules = `
version: "1"
rules:
  - id: sched_weekend_ban
    predicate: weekend_ban
    params:
      tools: ["Calendar.book"]
  - id: sched_business_hours
    predicate: business_hours
    params:
      tools: ["Calendar.book"]
      start_hour: 9
      end_hour: 17
  - id: sched_daily_quota
    predicate: daily_quota
    params:
      tools: ["Calendar.book"]
      max_per_day: 10
  - id: hr_compensation_bands
    predicate: compensation_bands
    params:
      tools: ["Offer.generate"]
      bands:
        L3: { min: 100000, max: 140000 }
        L4: { min: 130000, max: 180000 }
        L5: { min: 170000, max: 240000 }
  - id: comm_inclusive_language
    predicate: inclusive_language
    params:
      tools: ["Email.send"]
      terms:
        rockstar: "high performer"
        guys: "everyone"
  - id: comm_pii_redact_external
    predicate: pii_redact_external
    params:
      tools: ["Email.send"]
      internal_domain: "@company.com"
  - id: fin_receipt_required
    predicate: receipt_required
    params:
      tools: ["Payroll.process_expense"]
      floor: 50
  - id: fin_self_approval_ban
    predicate: self_approval_ban
    params:
      tools: ["Payroll.process_expense"]
  - id: fin_category_caps
    predicate: category_caps
    params:
      tools: ["Payroll.process_expense"]
      caps:
        meals: 200
  - id: id_right_to_work
    predicate: right_to_work
    params:
      tools: ["HRIS.onboard"]
  - id: priv_minimum_necessary
    predicate: minimum_necessary
    params:
      tools: ["HRIS.export"]
      max_records: 100
`

// Monday, well inside business hours.
var testNow = time.Date(2026, 2, 9, 10, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rs, err := ParseRuleSource([]byte(testRules))
	if err != nil {
		t.Fatalf("ParseRuleSource: %v", err)
	}
	return NewEngine(rs, nil)
}

func testIntent(tool string, args map[string]interface{}) *intent.Intent {
	return &intent.Intent{
		ID:        "INT-test",
		AgentID:   "agent-a",
		Timestamp: testNow,
		Tool:      tool,
		Args:      args,
	}
}

func evalCtx() *Context {
	return &Context{Now: testNow, Actor: "agent-a"}
}

func TestEvaluateIdempotent(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Offer.generate", map[string]interface{}{"role": "L4", "salary": 200000})

	first := e.Evaluate(it, evalCtx())
	for i := 0; i < 10; i++ {
		again := e.Evaluate(it, evalCtx())
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestWeekendBan(t *testing.T) {
	e := testEngine(t)
	// 2026-02-08 is a Sunday.
	it := testIntent("Calendar.book", map[string]interface{}{"date": "2026-02-08", "time": "14:00"})

	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY", v.Decision)
	}
	if !strings.Contains(strings.ToLower(v.Headline()), "weekend") {
		t.Errorf("reason %q does not mention weekend", v.Headline())
	}
	if v.Remediation == nil {
		t.Fatal("no remediation on weekend deny")
	}
	if fix := v.Remediation.AutoFix["date"]; fix != "2026-02-09" {
		t.Errorf("auto-fix date = %v, want the next weekday 2026-02-09", fix)
	}
}

func TestBusinessHoursAllowAndDeny(t *testing.T) {
	e := testEngine(t)

	ok := testIntent("Calendar.book", map[string]interface{}{"date": "2026-02-10", "time": "14:00"})
	if v := e.Evaluate(ok, evalCtx()); v.Decision != intent.DecisionAllow {
		t.Errorf("14:00 Tuesday = %s, want ALLOW (reasons: %v)", v.Decision, v.Reasons)
	}

	late := testIntent("Calendar.book", map[string]interface{}{"date": "2026-02-10", "time": "19:30"})
	if v := e.Evaluate(late, evalCtx()); v.Decision != intent.DecisionDeny {
		t.Errorf("19:30 booking = %s, want DENY", v.Decision)
	}
}

func TestDailyQuota(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Calendar.book", map[string]interface{}{"date": "2026-02-10", "time": "14:00"})

	ctx := evalCtx()
	ctx.DailyActionCount = 10
	v := e.Evaluate(it, ctx)
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY at quota", v.Decision)
	}
	if !strings.Contains(v.Headline(), "quota") {
		t.Errorf("reason %q does not mention quota", v.Headline())
	}
}

func TestCompensationBandOverCap(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Offer.generate", map[string]interface{}{"role": "L4", "salary": 200000})

	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY", v.Decision)
	}
	if v.RuleIDs[0] != "hr_compensation_bands" {
		t.Errorf("headline rule = %s, want hr_compensation_bands", v.RuleIDs[0])
	}
	rem := v.Remediation
	if rem == nil {
		t.Fatal("no remediation")
	}
	if got := rem.AutoFix["salary"]; got != 180000.0 {
		t.Errorf("auto-fix salary = %v, want 180000", got)
	}
	if rem.Reversibility != intent.ReversibilityHigh {
		t.Errorf("reversibility = %s, want high", rem.Reversibility)
	}

	// Applying the auto-fix clears the deny.
	fixed := testIntent("Offer.generate", map[string]interface{}{"role": "L4", "salary": 180000})
	if v := e.Evaluate(fixed, evalCtx()); v.Decision != intent.DecisionAllow {
		t.Errorf("clamped salary = %s, want ALLOW (reasons: %v)", v.Decision, v.Reasons)
	}
}

func TestPIIRedactionForExternalRecipient(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Email.send", map[string]interface{}{
		"to":   "external@example.com",
		"body": "Contact John at 555-123-4567",
	})

	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionModify {
		t.Fatalf("decision = %s, want MODIFY (reasons: %v)", v.Decision, v.Reasons)
	}
	body, _ := v.Patch["body"].(string)
	if !strings.Contains(body, RedactedPhone) {
		t.Errorf("patched body %q lacks the phone sentinel", body)
	}
	digits := 0
	for _, r := range body {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits >= 10 {
		t.Errorf("patched body still carries a 10-digit sequence: %q", body)
	}
}

func TestPIINotRedactedInternally(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Email.send", map[string]interface{}{
		"to":   "teammate@company.com",
		"body": "Call me at 555-123-4567",
	})
	if v := e.Evaluate(it, evalCtx()); v.Decision != intent.DecisionAllow {
		t.Errorf("internal mail = %s, want ALLOW", v.Decision)
	}
}

func TestInclusiveLanguageDeny(t *testing.T) {
	e := testEngine(t)
	it := testIntent("Email.send", map[string]interface{}{
		"to":   "teammate@company.com",
		"body": "Hey guys, we need a rockstar for this role",
	})

	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY", v.Decision)
	}
	if v.Remediation == nil || len(v.Remediation.Suggestions) != 2 {
		t.Fatalf("want one suggestion per flagged term, got %+v", v.Remediation)
	}
}

func TestDenyBeatsModify(t *testing.T) {
	e := testEngine(t)
	// Triggers the inclusive-language deny AND the PII redaction modify.
	it := testIntent("Email.send", map[string]interface{}{
		"to":   "external@example.com",
		"body": "Our rockstar is at 555-123-4567",
	})

	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY to take precedence", v.Decision)
	}
	if v.Patch != nil {
		t.Error("deny verdict carries a patch")
	}
}

func TestExpenseRules(t *testing.T) {
	e := testEngine(t)
	tests := []struct {
		name string
		args map[string]interface{}
		want intent.Decision
	}{
		{"small without receipt", map[string]interface{}{"amount": 30}, intent.DecisionAllow},
		{"large without receipt", map[string]interface{}{"amount": 120}, intent.DecisionDeny},
		{"large with receipt", map[string]interface{}{"amount": 120, "has_receipt": true}, intent.DecisionAllow},
		{"meals over category cap", map[string]interface{}{"amount": 350, "has_receipt": true, "category": "meals"}, intent.DecisionDeny},
		{"self approval", map[string]interface{}{"amount": 20, "submitter": "bo", "approver": "bo"}, intent.DecisionDeny},
	}
	for _, tt := range tests {
		it := testIntent("Payroll.process_expense", tt.args)
		if v := e.Evaluate(it, evalCtx()); v.Decision != tt.want {
			t.Errorf("%s: decision = %s, want %s (reasons: %v)", tt.name, v.Decision, tt.want, v.Reasons)
		}
	}
}

func TestRightToWork(t *testing.T) {
	e := testEngine(t)

	blocked := testIntent("HRIS.onboard", map[string]interface{}{"employee": "E009"})
	if v := e.Evaluate(blocked, evalCtx()); v.Decision != intent.DecisionDeny {
		t.Errorf("unverified onboarding = %s, want DENY", v.Decision)
	}

	verified := testIntent("HRIS.onboard", map[string]interface{}{
		"employee": "E009", "work_authorization_verified": true,
	})
	if v := e.Evaluate(verified, evalCtx()); v.Decision != intent.DecisionAllow {
		t.Errorf("verified onboarding = %s, want ALLOW", v.Decision)
	}
}

func TestMinimumNecessary(t *testing.T) {
	e := testEngine(t)
	it := testIntent("HRIS.export", map[string]interface{}{"record_count": 5000})
	v := e.Evaluate(it, evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("bulk export = %s, want DENY", v.Decision)
	}
	if v.Remediation == nil || len(v.Remediation.Suggestions) == 0 {
		t.Error("bulk export deny lacks remediation suggestions")
	}
}

// crashingRule panics on evaluation; the engine must convert that into a
// deny without losing the other rules' outcomes.
type crashingRule struct{ ruleMeta }

func (r *crashingRule) Evaluate(*intent.Intent, *Context) Outcome {
	panic("boom")
}

type staticRule struct {
	ruleMeta
	out Outcome
}

func (r *staticRule) Evaluate(*intent.Intent, *Context) Outcome { return r.out }

func TestRuleCrashIsDenyWithOthersIntact(t *testing.T) {
	warnRule := &staticRule{ruleMeta{id: "zz_warn", domain: "test", predicate: "static"}, Warn("zz_warn", "heads up")}
	crash := &crashingRule{ruleMeta{id: "aa_crash", domain: "test", predicate: "crash"}}
	e := NewEngine(NewRuleSet("test", []Rule{warnRule, crash}), nil)

	v := e.Evaluate(testIntent("Any.tool", nil), evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY", v.Decision)
	}
	if len(v.CrashedRules) != 1 || v.CrashedRules[0] != "aa_crash" {
		t.Errorf("crashed rules = %v, want [aa_crash]", v.CrashedRules)
	}
	if !strings.Contains(v.Headline(), "rule crash: aa_crash") {
		t.Errorf("headline = %q", v.Headline())
	}
}

func TestConflictingModifyPatchesFailClosed(t *testing.T) {
	m1 := &staticRule{ruleMeta{id: "aa_m1", domain: "test", predicate: "static"},
		Modify("aa_m1", "first", map[string]interface{}{"body": "one"})}
	m2 := &staticRule{ruleMeta{id: "bb_m2", domain: "test", predicate: "static"},
		Modify("bb_m2", "second", map[string]interface{}{"body": "two"})}
	e := NewEngine(NewRuleSet("test", []Rule{m1, m2}), nil)

	v := e.Evaluate(testIntent("Any.tool", nil), evalCtx())
	if v.Decision != intent.DecisionDeny {
		t.Fatalf("decision = %s, want DENY on patch conflict", v.Decision)
	}
	if !strings.Contains(v.Headline(), "conflicting MODIFY") {
		t.Errorf("headline = %q", v.Headline())
	}
}

func TestDisjointModifyPatchesAccumulate(t *testing.T) {
	m1 := &staticRule{ruleMeta{id: "aa_m1", domain: "test", predicate: "static"},
		Modify("aa_m1", "first", map[string]interface{}{"body": "clean"})}
	m2 := &staticRule{ruleMeta{id: "bb_m2", domain: "test", predicate: "static"},
		Modify("bb_m2", "second", map[string]interface{}{"subject": "clean"})}
	e := NewEngine(NewRuleSet("test", []Rule{m1, m2}), nil)

	v := e.Evaluate(testIntent("Any.tool", nil), evalCtx())
	if v.Decision != intent.DecisionModify {
		t.Fatalf("decision = %s, want MODIFY", v.Decision)
	}
	if len(v.Patch) != 2 {
		t.Errorf("patch = %v, want both fields", v.Patch)
	}
}

func TestListRulesSortedByID(t *testing.T) {
	e := testEngine(t)
	descs := e.ListRules()
	if len(descs) == 0 {
		t.Fatal("no rules listed")
	}
	for i := 1; i < len(descs); i++ {
		if descs[i-1].ID >= descs[i].ID {
			t.Errorf("rules not sorted: %s before %s", descs[i-1].ID, descs[i].ID)
		}
	}
}

func TestParseRuleSourceUnknownPredicate(t *testing.T) {
	_, err := ParseRuleSource([]byte(`
version: "1"
rules:
  - id: bogus
    predicate: not_a_predicate
`))
	if err == nil || !strings.Contains(err.Error(), "unknown predicate") {
		t.Fatalf("err = %v, want unknown predicate", err)
	}
}

func TestParseRuleSourceDuplicateID(t *testing.T) {
	_, err := ParseRuleSource([]byte(`
version: "1"
rules:
  - id: dup
    predicate: right_to_work
  - id: dup
    predicate: right_to_work
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}
