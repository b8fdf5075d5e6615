package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/armoriq/sentinel/internal/drift"
	"github.com/armoriq/sentinel/internal/intent"
	"github.com/armoriq/sentinel/internal/ledger"
	"github.com/armoriq/sentinel/internal/metrics"
	"github.com/armoriq/sentinel/internal/policy"
	"github.com/armoriq/sentinel/internal/sim"
)

// Decision is the host-visible outcome of verifying a single intent.
type Decision struct {
	Allowed           bool                   `json:"allowed"`
	Verdict           *intent.Verdict        `json:"verdict"`
	RiskScore         float64                `json:"risk_score"`
	RiskLevel         drift.RiskLevel        `json:"risk_level"`
	Patch             map[string]interface{} `json:"patch,omitempty"`
	Alert             *drift.Alert           `json:"alert,omitempty"`
	LedgerEntryID     uint64                 `json:"ledger_entry_id"`
	EmbeddingDegraded bool                   `json:"embedding_degraded,omitempty"`
	Suspended         bool                   `json:"suspended,omitempty"`
	Reason            string                 `json:"reason,omitempty"`
}

// Config tunes the gateway facade.
type Config struct {
	// SnapshotLastK bounds how many recent intents a forensic snapshot
	// carries.
	SnapshotLastK int
	// RecordPlanSubmissions lets the gateway feed a simulated plan's
	// aggregate capability set into drift tracking as one intent. Off by
	// default: simulation itself must never touch fingerprints.
	RecordPlanSubmissions bool
}

// DefaultConfig returns the default facade tuning.
func DefaultConfig() Config {
	return Config{SnapshotLastK: 50}
}

// Core wires the policy engine, drift engine, simulator, and ledger into
// the admission pipeline. Every tool invocation must pass through
// VerifyIntent before its side effects happen.
type Core struct {
	cfg    Config
	policy *policy.Engine
	drift  *drift.Engine
	sim    *sim.Simulator
	ledger *ledger.Ledger
	logger *log.Logger

	// Per-actor daily action counts for quota rules.
	countMu   sync.Mutex
	countDay  string
	dayCounts map[string]int
}

// New assembles the core.
func New(cfg Config, policyEngine *policy.Engine, driftEngine *drift.Engine, simulator *sim.Simulator, auditLedger *ledger.Ledger, logger *log.Logger) *Core {
	if cfg.SnapshotLastK <= 0 {
		cfg.SnapshotLastK = 50
	}
	return &Core{
		cfg:       cfg,
		policy:    policyEngine,
		drift:     driftEngine,
		sim:       simulator,
		ledger:    auditLedger,
		logger:    logger,
		dayCounts: make(map[string]int),
	}
}

// Ledger exposes the audit ledger for query surfaces.
func (c *Core) Ledger() *ledger.Ledger { return c.ledger }

// Drift exposes the drift engine for status surfaces.
func (c *Core) Drift() *drift.Engine { return c.drift }

// Policy exposes the policy engine for introspection.
func (c *Core) Policy() *policy.Engine { return c.policy }

// dailyCount returns and increments the actor's count for today.
func (c *Core) dailyCount(actor string, now time.Time) int {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	day := now.Format("2006-01-02")
	if day != c.countDay {
		c.countDay = day
		c.dayCounts = make(map[string]int)
	}
	n := c.dayCounts[actor]
	c.dayCounts[actor] = n + 1
	return n
}

// intentPayload renders the ledger payload for an INTENT_VERIFIED entry.
func intentPayload(it *intent.Intent, d *Decision) map[string]interface{} {
	p := map[string]interface{}{
		"intent_id":    it.ID,
		"agent_id":     it.AgentID,
		"timestamp":    it.Timestamp.Format(time.RFC3339Nano),
		"description":  it.Description,
		"tool":         it.Tool,
		"capabilities": it.Capabilities,
		"decision":     string(decisionLabel(d)),
		"risk_score":   d.RiskScore,
		"risk_level":   string(d.RiskLevel),
	}
	if d.Verdict != nil {
		p["rule_ids"] = d.Verdict.RuleIDs
		p["reasons"] = d.Verdict.Reasons
	}
	if d.EmbeddingDegraded {
		p["embedding_degraded"] = true
	}
	if d.Reason != "" {
		p["reason"] = d.Reason
	}
	return p
}

func decisionLabel(d *Decision) intent.Decision {
	if d.Verdict != nil && d.Allowed {
		return d.Verdict.Decision
	}
	if d.Allowed {
		return intent.DecisionAllow
	}
	return intent.DecisionDeny
}

// VerifyIntent runs the admission pipeline for one intent: suspension and
// throttle checks, policy evaluation, drift observation, and exactly one
// INTENT_VERIFIED ledger entry. The call is atomic from the caller's view.
func (c *Core) VerifyIntent(ctx context.Context, it *intent.Intent, evalCtx *policy.Context) (*Decision, error) {
	start := time.Now()
	metrics.IntentsTotal.Inc()
	defer func() {
		metrics.VerifyLatency.Observe(time.Since(start).Seconds())
	}()

	// Suspended agents are refused before any engine work.
	if state, ok := c.drift.Status(it.AgentID); ok && state.Level.Suspended() {
		d := &Decision{
			Allowed:   false,
			Verdict:   &intent.Verdict{Decision: intent.DecisionDeny, Reasons: []string{fmt.Sprintf("agent suspended (%s)", state.Level)}},
			RiskScore: state.Score,
			RiskLevel: state.Level,
			Suspended: true,
			Reason:    state.Reason,
		}
		return c.finishDecision(it, d)
	}

	// Throttle backpressure: over-budget requests are denied without
	// engine work.
	if c.drift.ThrottleExceeded(it.AgentID) {
		state, _ := c.drift.Status(it.AgentID)
		d := &Decision{
			Allowed:   false,
			Verdict:   &intent.Verdict{Decision: intent.DecisionDeny, Reasons: []string{"throttled: per-minute action budget exhausted"}},
			RiskScore: state.Score,
			RiskLevel: state.Level,
			Suspended: true,
			Reason:    "throttled",
		}
		return c.finishDecision(it, d)
	}

	if evalCtx == nil {
		evalCtx = &policy.Context{Now: it.Timestamp, Actor: it.AgentID}
		evalCtx.DailyActionCount = c.dailyCount(it.AgentID, it.Timestamp)
	}

	verdict := c.policy.Evaluate(it, evalCtx)
	obs := c.drift.Observe(ctx, it, verdict)

	d := &Decision{
		Allowed:           verdict.Allowed() && !obs.Level.Suspended(),
		Verdict:           verdict,
		RiskScore:         obs.Score,
		RiskLevel:         obs.Level,
		Patch:             verdict.Patch,
		Alert:             obs.Alert,
		EmbeddingDegraded: obs.EmbeddingDegraded,
	}
	if obs.Refused {
		d.Suspended = true
		d.Reason = obs.Reason
	} else if !verdict.Allowed() && obs.Level.Suspended() {
		d.Reason = fmt.Sprintf("denied by policy and agent entered %s", obs.Level)
	} else if verdict.Allowed() && obs.Level.Suspended() {
		d.Reason = fmt.Sprintf("agent entered %s on this intent", obs.Level)
	}

	// Crashed rules surface as critical drift alerts in the ledger.
	for _, ruleID := range verdict.CrashedRules {
		if _, err := c.ledger.Append(ledger.EventDriftAlert, it.AgentID, map[string]interface{}{
			"severity": "CRITICAL",
			"reason":   fmt.Sprintf("rule crash: %s", ruleID),
			"rule_id":  ruleID,
		}); err != nil {
			return nil, err
		}
		metrics.RecordLedgerAppend(string(ledger.EventDriftAlert))
	}

	if obs.Alert != nil {
		if _, err := c.ledger.Append(ledger.EventDriftAlert, it.AgentID, map[string]interface{}{
			"alert_id":         obs.Alert.ID,
			"severity":         string(obs.Alert.Severity),
			"risk_score":       obs.Alert.RiskScore,
			"level":            string(obs.Alert.Level),
			"explanation":      obs.Alert.Explanation,
			"suggested_action": obs.Alert.SuggestedAction,
			"intent_id":        obs.Alert.IntentID,
			"dominant_signals": signalDocs(obs.Alert.DominantSignals),
		}); err != nil {
			return nil, err
		}
		metrics.RecordLedgerAppend(string(ledger.EventDriftAlert))
	}

	if obs.Transitioned {
		metrics.RecordTransition(string(obs.Level))
		if _, err := c.ledger.Append(ledger.EventEnforcement, it.AgentID, map[string]interface{}{
			"level":      string(obs.Level),
			"risk_score": obs.Score,
			"intent_id":  it.ID,
		}); err != nil {
			return nil, err
		}
		metrics.RecordLedgerAppend(string(ledger.EventEnforcement))

		if obs.Level == drift.LevelKill {
			if snap, ok := c.drift.SnapshotFingerprint(it.AgentID, c.cfg.SnapshotLastK); ok {
				if _, err := c.ledger.Snapshot(it.AgentID, "agent killed on drift threshold", snap); err != nil {
					return nil, err
				}
				metrics.RecordLedgerAppend(string(ledger.EventForensicSnapshot))
			}
		}
	}

	return c.finishDecision(it, d)
}

// finishDecision appends the single INTENT_VERIFIED entry and stamps the
// decision with its id. A storage failure fails the request: no audit, no
// action.
func (c *Core) finishDecision(it *intent.Intent, d *Decision) (*Decision, error) {
	entry, err := c.ledger.Append(ledger.EventIntentVerified, it.AgentID, intentPayload(it, d))
	if err != nil {
		return nil, err
	}
	metrics.RecordLedgerAppend(string(ledger.EventIntentVerified))
	metrics.RecordDecision(string(decisionLabel(d)))
	metrics.RiskScore.Observe(d.RiskScore)
	d.LedgerEntryID = entry.ID

	if c.logger != nil {
		c.logger.Printf("[core] %s %s tool=%s risk=%.3f level=%s entry=%d",
			it.AgentID, decisionLabel(d), it.Tool, d.RiskScore, d.RiskLevel, entry.ID)
	}
	return d, nil
}

func signalDocs(contributions []drift.Contribution) []interface{} {
	out := make([]interface{}, len(contributions))
	for i, s := range contributions {
		out[i] = map[string]interface{}{
			"signal":   s.Signal,
			"raw":      s.Raw,
			"weighted": s.Weighted,
		}
	}
	return out
}

// SimulatePlan dry-runs a plan and appends exactly one PLAN_SIMULATED
// ledger entry. Suspended agents get a BLOCKED result without simulation.
func (c *Core) SimulatePlan(ctx context.Context, plan *intent.Plan) (*sim.Result, error) {
	var result *sim.Result
	if state, ok := c.drift.Status(plan.AgentID); ok && state.Level.Suspended() {
		result = &sim.Result{
			PlanID:      plan.ID,
			AgentID:     plan.AgentID,
			SimulatedAt: time.Now().UTC(),
			Overall:     "BLOCKED",
		}
	} else {
		result = c.sim.Simulate(ctx, plan)
	}

	if _, err := c.ledger.Append(ledger.EventPlanSimulated, plan.AgentID, map[string]interface{}{
		"plan_id":        result.PlanID,
		"overall":        result.Overall,
		"total_steps":    len(result.Steps),
		"allowed_count":  result.AllowedCount,
		"blocked_count":  result.BlockedCount,
		"modified_count": result.ModifiedCount,
		"capabilities":   result.Capabilities,
		"policy_version": result.PolicyVersion,
	}); err != nil {
		return nil, err
	}
	metrics.RecordLedgerAppend(string(ledger.EventPlanSimulated))
	metrics.Simulations.WithLabelValues(result.Overall).Inc()

	// Optionally track the submission itself for drift. The simulator has
	// already finished against a clone; this records one aggregate intent
	// through the normal observe path.
	if c.cfg.RecordPlanSubmissions && len(result.Capabilities) > 0 {
		it := intent.New(plan.AgentID,
			fmt.Sprintf("submitted plan with %d steps", len(plan.Steps)),
			"Plan.submit", result.Capabilities, nil)
		v := &intent.Verdict{Decision: intent.DecisionAllow}
		if !result.Allowed() {
			v = &intent.Verdict{Decision: intent.DecisionDeny}
		}
		c.drift.Observe(ctx, it, v)
	}

	return result, nil
}

// WhatIf dry-runs a plan against hypothetical state without any ledger
// write or drift tracking.
func (c *Core) WhatIf(ctx context.Context, plan *intent.Plan, hyp sim.Hypothetical) *sim.Result {
	return c.sim.WhatIf(ctx, plan, hyp)
}

// AgentStatus returns the agent's risk state.
func (c *Core) AgentStatus(agentID string) (drift.RiskState, bool) {
	return c.drift.Status(agentID)
}

// Resurrect transitions a killed agent back to active and appends a
// RESURRECTION entry.
func (c *Core) Resurrect(agentID, adminID, reason string) error {
	if err := c.drift.Resurrect(agentID, adminID, reason); err != nil {
		return err
	}
	if _, err := c.ledger.Append(ledger.EventResurrection, agentID, map[string]interface{}{
		"admin_id": adminID,
		"reason":   reason,
	}); err != nil {
		return err
	}
	metrics.RecordLedgerAppend(string(ledger.EventResurrection))
	return nil
}

// VerifyLedger checks chain integrity. A failure closes the write path
// until Reconcile.
func (c *Core) VerifyLedger() (bool, uint64) {
	return c.ledger.VerifyChain()
}

// Replay reconstructs drift state from the ledger's INTENT_VERIFIED
// entries, for cold start. Snapshots are only an optimization; the log is
// authoritative.
func (c *Core) Replay(ctx context.Context) error {
	entries := c.ledger.Entries(ledger.Filter{Kind: ledger.EventIntentVerified})
	for _, e := range entries {
		it, verdict, err := intentFromPayload(e)
		if err != nil {
			return fmt.Errorf("core: replay entry %d: %w", e.ID, err)
		}
		c.drift.Observe(ctx, it, verdict)
	}
	if c.logger != nil {
		c.logger.Printf("[core] replayed %d intents from the ledger", len(entries))
	}
	return nil
}

func intentFromPayload(e *ledger.Entry) (*intent.Intent, *intent.Verdict, error) {
	p := e.Payload
	ts, err := time.Parse(time.RFC3339Nano, str(p["timestamp"]))
	if err != nil {
		return nil, nil, errors.New("missing or bad timestamp")
	}
	it := &intent.Intent{
		ID:          str(p["intent_id"]),
		AgentID:     e.AgentID,
		Timestamp:   ts,
		Description: str(p["description"]),
		Tool:        str(p["tool"]),
	}
	switch caps := p["capabilities"].(type) {
	case []interface{}:
		for _, c := range caps {
			it.Capabilities = append(it.Capabilities, str(c))
		}
	case []string:
		it.Capabilities = append(it.Capabilities, caps...)
	}
	decision := intent.Decision(str(p["decision"]))
	if decision == "" {
		decision = intent.DecisionAllow
	}
	return it, &intent.Verdict{Decision: decision}, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
