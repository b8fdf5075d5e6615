package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/armoriq/sentinel/internal/drift"
	"github.com/armoriq/sentinel/internal/intent"
	"github.com/armoriq/sentinel/internal/ledger"
	"github.com/armoriq/sentinel/internal/policy"
	"github.com/armoriq/sentinel/internal/sim"
)

const coreRules = `
version: "1"
rules:
  - id: hr_compensation_bands
    predicate: compensation_bands
    params:
      tools: ["Offer.generate"]
      bands:
        L4: { min: 130000, max: 180000 }
  - id: sched_weekend_ban
    predicate: weekend_ban
    params:
      tools: ["Calendar.book"]
`

var coreBase = time.Date(2026, 2, 9, 10, 0, 0, 0, time.UTC)

type coreFixture struct {
	core   *Core
	ledger *ledger.Ledger
	drift  *drift.Engine
	store  ledger.Store
}

func newFixture(t *testing.T, store ledger.Store, mutate func(*drift.Config)) *coreFixture {
	t.Helper()
	rs, err := policy.ParseRuleSource([]byte(coreRules))
	if err != nil {
		t.Fatalf("ParseRuleSource: %v", err)
	}
	policyEngine := policy.NewEngine(rs, nil)

	driftCfg := drift.DefaultConfig()
	driftCfg.LearningIntents = 0
	if mutate != nil {
		mutate(&driftCfg)
	}
	driftEngine, err := drift.NewEngine(driftCfg, nil, nil)
	if err != nil {
		t.Fatalf("drift.NewEngine: %v", err)
	}

	if store == nil {
		store = ledger.NewMemoryStore()
	}
	l, err := ledger.Open(store, ledger.NewHMACSigner([]byte("core-test"), nil), nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}

	simulator := sim.New(sim.DefaultConfig(), policyEngine, driftEngine, sim.DefaultRegistry(), nil)
	return &coreFixture{
		core:   New(DefaultConfig(), policyEngine, driftEngine, simulator, l, nil),
		ledger: l,
		drift:  driftEngine,
		store:  store,
	}
}

func coreIntent(id string, minute int, tool string, caps []string, emb []float64, args map[string]interface{}) *intent.Intent {
	return &intent.Intent{
		ID:           id,
		AgentID:      "agent-a",
		Timestamp:    coreBase.Add(time.Duration(minute) * time.Minute),
		Description:  "intent " + id,
		Tool:         tool,
		Capabilities: caps,
		Args:         args,
		Embedding:    emb,
	}
}

func TestEveryVerifyAppendsExactlyOneIntentEntry(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	intents := []*intent.Intent{
		coreIntent("i1", 0, "Offer.generate", []string{"offer.generate"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"role": "L4", "salary": 170000}),
		coreIntent("i2", 1, "Offer.generate", []string{"offer.generate"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"role": "L4", "salary": 200000}), // denied
		coreIntent("i3", 2, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"date": "2026-02-10", "time": "14:00"}),
	}
	for _, it := range intents {
		if _, err := f.core.VerifyIntent(ctx, it, nil); err != nil {
			t.Fatalf("VerifyIntent(%s): %v", it.ID, err)
		}
	}

	got := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventIntentVerified}))
	if got != len(intents) {
		t.Fatalf("INTENT_VERIFIED entries = %d, want %d", got, len(intents))
	}
}

func TestDeniedVerdictSurfacesRuleAndRemediation(t *testing.T) {
	f := newFixture(t, nil, nil)

	d, err := f.core.VerifyIntent(context.Background(),
		coreIntent("i1", 0, "Offer.generate", []string{"offer.generate"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"role": "L4", "salary": 200000}), nil)
	if err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}
	if d.Allowed {
		t.Fatal("over-cap offer allowed")
	}
	if d.Verdict.RuleIDs[0] != "hr_compensation_bands" {
		t.Errorf("rule = %s", d.Verdict.RuleIDs[0])
	}
	if d.Verdict.Remediation == nil || !d.Verdict.Remediation.AutoFixable() {
		t.Error("deny lacks an auto-fixable remediation")
	}
	if d.LedgerEntryID != 0 {
		t.Errorf("ledger entry id = %d, want 0 for the first entry", d.LedgerEntryID)
	}
}

func TestKillEmitsEnforcementAlertAndSnapshot(t *testing.T) {
	f := newFixture(t, nil, func(c *drift.Config) {
		c.Thresholds = drift.Thresholds{Warning: 0.05, Throttle: 0.1, Pause: 0.15, Kill: 0.3}
	})
	ctx := context.Background()

	ok := coreIntent("i1", 0, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"})
	if _, err := f.core.VerifyIntent(ctx, ok, nil); err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}

	// Orthogonal embedding forces maximal semantic drift.
	hot := coreIntent("i2", 1, "Calendar.book", []string{"calendar.book", "hris.delete_all"}, []float64{0, 1, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"})
	d, err := f.core.VerifyIntent(ctx, hot, nil)
	if err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}
	if d.RiskLevel != drift.LevelKill {
		t.Fatalf("risk level = %s (score %.3f), want KILL", d.RiskLevel, d.RiskScore)
	}
	if d.Allowed {
		t.Error("intent allowed despite KILL transition")
	}
	if d.Alert == nil {
		t.Error("no drift alert surfaced on KILL")
	}

	if n := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventEnforcement})); n != 1 {
		t.Errorf("ENFORCEMENT entries = %d, want 1", n)
	}
	if n := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventDriftAlert})); n == 0 {
		t.Error("no DRIFT_ALERT entry")
	}
	snaps := f.ledger.Entries(ledger.Filter{Kind: ledger.EventForensicSnapshot})
	if len(snaps) != 1 {
		t.Fatalf("FORENSIC_SNAPSHOT entries = %d, want 1", len(snaps))
	}
	state, _ := snaps[0].Payload["state"].(map[string]interface{})
	if state == nil || state["agent_id"] != "agent-a" {
		t.Errorf("snapshot payload missing fingerprint state: %+v", snaps[0].Payload)
	}

	// Post-KILL freeze: every further verify is denied and the
	// fingerprint stays put.
	before := f.drift.CloneFingerprint("agent-a").TotalIntents()
	for i := 0; i < 3; i++ {
		it := coreIntent(fmt.Sprintf("f%d", i), 2+i, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"date": "2026-02-10", "time": "14:00"})
		d, err := f.core.VerifyIntent(ctx, it, nil)
		if err != nil {
			t.Fatalf("VerifyIntent: %v", err)
		}
		if d.Allowed {
			t.Error("killed agent produced an ALLOW")
		}
		if !d.Suspended {
			t.Error("decision not marked suspended")
		}
	}
	if after := f.drift.CloneFingerprint("agent-a").TotalIntents(); after != before {
		t.Errorf("fingerprint mutated post-KILL: %d -> %d", before, after)
	}
}

func TestResurrectionRestoresServiceAndLogs(t *testing.T) {
	f := newFixture(t, nil, func(c *drift.Config) {
		c.Thresholds = drift.Thresholds{Warning: 0.05, Throttle: 0.1, Pause: 0.15, Kill: 0.3}
	})
	ctx := context.Background()

	f.core.VerifyIntent(ctx, coreIntent("i1", 0, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	f.core.VerifyIntent(ctx, coreIntent("i2", 1, "Calendar.book", []string{"hris.delete_all"}, []float64{0, 1, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)

	state, _ := f.core.AgentStatus("agent-a")
	if state.Level != drift.LevelKill {
		t.Fatalf("level = %s, want KILL", state.Level)
	}

	if err := f.core.Resurrect("agent-a", "admin-1", "post-incident review complete"); err != nil {
		t.Fatalf("Resurrect: %v", err)
	}
	entries := f.ledger.Entries(ledger.Filter{Kind: ledger.EventResurrection})
	if len(entries) != 1 {
		t.Fatalf("RESURRECTION entries = %d, want 1", len(entries))
	}
	if entries[0].Payload["admin_id"] != "admin-1" {
		t.Errorf("resurrection admin = %v", entries[0].Payload["admin_id"])
	}

	d, err := f.core.VerifyIntent(ctx, coreIntent("i3", 2, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	if err != nil {
		t.Fatalf("VerifyIntent after resurrection: %v", err)
	}
	if !d.Allowed {
		t.Errorf("resurrected agent denied: %+v", d)
	}
}

func TestSimulatePlanAppendsSingleEntryAndNoIntentEntries(t *testing.T) {
	f := newFixture(t, nil, nil)
	plan := intent.NewPlan("scheduler", []intent.PlanStep{
		{Tool: "Calendar.check", Args: map[string]interface{}{"date": "2026-02-10", "time": "14:00"}},
		{Tool: "Calendar.book", Args: map[string]interface{}{"date": "2026-02-10", "time": "14:00"}},
	})

	res, err := f.core.SimulatePlan(context.Background(), plan)
	if err != nil {
		t.Fatalf("SimulatePlan: %v", err)
	}
	if res.Overall != "ALLOWED" {
		t.Errorf("overall = %s, want ALLOWED (%+v)", res.Overall, res.Steps)
	}
	if n := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventPlanSimulated})); n != 1 {
		t.Errorf("PLAN_SIMULATED entries = %d, want 1", n)
	}
	if n := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventIntentVerified})); n != 0 {
		t.Errorf("INTENT_VERIFIED entries = %d, want 0 from simulation", n)
	}
	if _, ok := f.core.AgentStatus("scheduler"); ok {
		t.Error("simulation created live drift state for the agent")
	}
}

func TestSimulateForSuspendedAgentBlocked(t *testing.T) {
	f := newFixture(t, nil, func(c *drift.Config) {
		c.Thresholds = drift.Thresholds{Warning: 0.05, Throttle: 0.1, Pause: 0.15, Kill: 0.3}
	})
	ctx := context.Background()
	f.core.VerifyIntent(ctx, coreIntent("i1", 0, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	f.core.VerifyIntent(ctx, coreIntent("i2", 1, "Calendar.book", []string{"hris.delete_all"}, []float64{0, 1, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)

	plan := intent.NewPlan("agent-a", []intent.PlanStep{
		{Tool: "Calendar.check", Args: map[string]interface{}{"date": "2026-02-10", "time": "14:00"}},
	})
	res, err := f.core.SimulatePlan(ctx, plan)
	if err != nil {
		t.Fatalf("SimulatePlan: %v", err)
	}
	if res.Overall != "BLOCKED" {
		t.Errorf("overall = %s, want BLOCKED for a killed agent", res.Overall)
	}
}

func TestThrottledRequestsDeniedWithoutEngineWork(t *testing.T) {
	f := newFixture(t, nil, func(c *drift.Config) {
		c.Thresholds = drift.Thresholds{Warning: 0.01, Throttle: 0.02, Pause: 0.9, Kill: 0.95}
		c.ThrottlePerMinute = 1
	})
	ctx := context.Background()

	f.core.VerifyIntent(ctx, coreIntent("i1", 0, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	f.core.VerifyIntent(ctx, coreIntent("i2", 1, "Calendar.book", []string{"hris.read"}, []float64{0, 1, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)

	state, _ := f.core.AgentStatus("agent-a")
	if state.Level != drift.LevelThrottle {
		t.Fatalf("level = %s, want THROTTLE", state.Level)
	}

	// First call consumes the budget; the second is denied immediately.
	d1, err := f.core.VerifyIntent(ctx, coreIntent("i3", 2, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	if err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}
	if !d1.Allowed {
		t.Fatalf("within-budget throttled request denied: %+v", d1)
	}

	before := f.drift.CloneFingerprint("agent-a").TotalIntents()
	d2, err := f.core.VerifyIntent(ctx, coreIntent("i4", 2, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
		map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	if err != nil {
		t.Fatalf("VerifyIntent: %v", err)
	}
	if d2.Allowed {
		t.Fatal("over-budget throttled request allowed")
	}
	if !strings.Contains(d2.Verdict.Headline(), "throttled") {
		t.Errorf("reason = %q, want throttled", d2.Verdict.Headline())
	}
	if after := f.drift.CloneFingerprint("agent-a").TotalIntents(); after != before {
		t.Error("throttled denial still updated the fingerprint")
	}
	// The refusal is still audited.
	if n := len(f.ledger.Entries(ledger.Filter{Kind: ledger.EventIntentVerified})); n != 4 {
		t.Errorf("INTENT_VERIFIED entries = %d, want 4", n)
	}
}

// failingStore errors on append to model storage loss.
type failingStore struct {
	*ledger.MemoryStore
	fail bool
}

func (s *failingStore) Append(b []byte) (int64, error) {
	if s.fail {
		return 0, errors.New("disk gone")
	}
	return s.MemoryStore.Append(b)
}

func TestStorageFailureFailsTheRequest(t *testing.T) {
	fs := &failingStore{MemoryStore: ledger.NewMemoryStore()}
	f := newFixture(t, fs, nil)

	fs.fail = true
	_, err := f.core.VerifyIntent(context.Background(),
		coreIntent("i1", 0, "Calendar.book", []string{"calendar.book"}, []float64{1, 0, 0, 0},
			map[string]interface{}{"date": "2026-02-10", "time": "14:00"}), nil)
	if err == nil {
		t.Fatal("request succeeded with a dead audit store")
	}
}

func TestReplayRebuildsDriftState(t *testing.T) {
	store := ledger.NewMemoryStore()
	f := newFixture(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		it := coreIntent(fmt.Sprintf("i%d", i), i, "Calendar.book",
			[]string{"calendar.book"}, nil,
			map[string]interface{}{"date": "2026-02-10", "time": "14:00"})
		if _, err := f.core.VerifyIntent(ctx, it, nil); err != nil {
			t.Fatalf("VerifyIntent: %v", err)
		}
	}
	want, _ := f.core.AgentStatus("agent-a")

	// Cold start: fresh engines over the same audit log.
	f2 := newFixture(t, store, nil)
	if err := f2.core.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	got, ok := f2.core.AgentStatus("agent-a")
	if !ok {
		t.Fatal("agent missing after replay")
	}
	if got.TotalIntents != want.TotalIntents {
		t.Errorf("replayed total intents = %d, want %d", got.TotalIntents, want.TotalIntents)
	}
}
