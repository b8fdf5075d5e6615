package sim

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"time"

	"github.com/armoriq/sentinel/internal/drift"
	"github.com/armoriq/sentinel/internal/intent"
	"github.com/armoriq/sentinel/internal/policy"
)

// StepStatus is the simulated verdict for a single step.
type StepStatus string

const (
	StepAllow  StepStatus = "ALLOW"
	StepWarn   StepStatus = "WARN"
	StepModify StepStatus = "MODIFY"
	StepDeny   StepStatus = "DENY"
	// StepDependencyBlocked marks a step whose chained argument referenced
	// a step that was not allowed; the step is skipped entirely.
	StepDependencyBlocked StepStatus = "DEPENDENCY_BLOCKED"
	// StepStubTimeout marks a step whose tool stub missed its deadline or
	// returned an error; treated as a deny.
	StepStubTimeout StepStatus = "STUB_TIMEOUT"
)

func (s StepStatus) blocked() bool {
	return s == StepDeny || s == StepDependencyBlocked || s == StepStubTimeout
}

// StepResult records what would happen to one plan step.
type StepResult struct {
	Seq         int                    `json:"seq"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Status      StepStatus             `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
	RuleIDs     []string               `json:"rule_ids,omitempty"`
	Patch       map[string]interface{} `json:"patch,omitempty"`
	Remediation *intent.Remediation    `json:"remediation,omitempty"`
	StubOutput  map[string]interface{} `json:"stub_output,omitempty"`
	RiskScore   float64                `json:"risk_score"`
	RiskLevel   drift.RiskLevel        `json:"risk_level"`
}

// Result aggregates a whole simulated plan.
type Result struct {
	PlanID        string       `json:"plan_id"`
	AgentID       string       `json:"agent_id"`
	SimulatedAt   time.Time    `json:"simulated_at"`
	PolicyVersion string       `json:"policy_version"`
	Overall       string       `json:"overall"` // ALLOWED or BLOCKED
	Steps         []StepResult `json:"steps"`
	AllowedCount  int          `json:"allowed_count"`
	BlockedCount  int          `json:"blocked_count"`
	ModifiedCount int          `json:"modified_count"`
	Capabilities  []string     `json:"capabilities"`
}

// Allowed reports whether every step would proceed.
func (r *Result) Allowed() bool { return r.Overall == "ALLOWED" }

// Hypothetical overrides the state a what-if simulation runs against.
type Hypothetical struct {
	// Fingerprint replaces the cloned live fingerprint.
	Fingerprint *drift.Fingerprint
	// RuleSet pins a policy snapshot other than the active one.
	RuleSet *policy.RuleSet
	// BaseTime anchors the synthetic step timestamps.
	BaseTime time.Time
	// Context overrides the policy evaluation context template.
	Context *policy.Context
}

// Config tunes the simulator.
type Config struct {
	// StepEpsilon spaces the synthetic step timestamps.
	StepEpsilon time.Duration
	// StubTimeout bounds each tool-stub call.
	StubTimeout time.Duration
	// InternalDomain feeds capability derivation for external email.
	InternalDomain string
}

// DefaultConfig returns the default simulator tuning.
func DefaultConfig() Config {
	return Config{
		StepEpsilon:    time.Second,
		StubTimeout:    2 * time.Second,
		InternalDomain: "@company.com",
	}
}

// Simulator speculatively replays the admission pipeline over a plan. It
// never mutates live fingerprints and never invokes real tools; the only
// ledger write connected to a simulation is the single PLAN_SIMULATED
// entry appended by the gateway.
type Simulator struct {
	cfg    Config
	policy *policy.Engine
	drift  *drift.Engine
	stubs  *Registry
	logger *log.Logger
}

// New creates a simulator over the given engines and stub registry.
func New(cfg Config, policyEngine *policy.Engine, driftEngine *drift.Engine, stubs *Registry, logger *log.Logger) *Simulator {
	if stubs == nil {
		stubs = DefaultRegistry()
	}
	return &Simulator{cfg: cfg, policy: policyEngine, drift: driftEngine, stubs: stubs, logger: logger}
}

// Simulate dry-runs the plan against the current policy snapshot and a
// clone of the agent's live fingerprint.
func (s *Simulator) Simulate(ctx context.Context, plan *intent.Plan) *Result {
	return s.run(ctx, plan, Hypothetical{})
}

// WhatIf dry-runs the plan against explicitly overridden state.
func (s *Simulator) WhatIf(ctx context.Context, plan *intent.Plan, hyp Hypothetical) *Result {
	return s.run(ctx, plan, hyp)
}

var stepRef = regexp.MustCompile(`^\$steps\[(\d+)\]\.([A-Za-z0-9_]+)$`)

func (s *Simulator) run(ctx context.Context, plan *intent.Plan, hyp Hypothetical) *Result {
	snapshot := hyp.RuleSet
	if snapshot == nil {
		snapshot = s.policy.Snapshot()
	}
	fp := hyp.Fingerprint
	if fp == nil {
		fp = s.drift.CloneFingerprint(plan.AgentID)
	}
	base := hyp.BaseTime
	if base.IsZero() {
		base = time.Now().UTC()
	}

	res := &Result{
		PlanID:      plan.ID,
		AgentID:     plan.AgentID,
		SimulatedAt: base,
	}
	if snapshot != nil {
		res.PolicyVersion = snapshot.Version
	}

	// Simulated stub outputs by step seq, for chained arguments.
	outputs := make(map[int]map[string]interface{})
	stepStatus := make(map[int]StepStatus)
	capSet := make(map[string]bool)
	pauseCrossed := false

	for _, step := range plan.Steps {
		sr := StepResult{Seq: step.Seq, Tool: step.Tool}

		args, depOK, depReason := s.resolveArgs(step.Args, outputs, stepStatus)
		sr.Args = args
		if !depOK {
			sr.Status = StepDependencyBlocked
			sr.Reason = depReason
			res.Steps = append(res.Steps, sr)
			stepStatus[step.Seq] = sr.Status
			res.BlockedCount++
			continue
		}

		caps := Capabilities(step.Tool, args, s.cfg.InternalDomain)
		for _, c := range caps {
			capSet[c] = true
		}

		ts := base.Add(time.Duration(step.Seq) * s.cfg.StepEpsilon)
		it := &intent.Intent{
			ID:           fmt.Sprintf("%s-step-%d", plan.ID, step.Seq),
			AgentID:      plan.AgentID,
			Timestamp:    ts,
			Description:  fmt.Sprintf("%s invocation in plan %s", step.Tool, plan.ID),
			Capabilities: caps,
			Tool:         step.Tool,
			Args:         args,
		}

		evalCtx := &policy.Context{Now: ts}
		if hyp.Context != nil {
			c := *hyp.Context
			c.Now = ts
			evalCtx = &c
		}
		verdict := s.policy.EvaluateWith(snapshot, it, evalCtx)

		sr.RuleIDs = verdict.RuleIDs
		sr.Reason = verdict.Headline()
		sr.Patch = verdict.Patch
		sr.Remediation = verdict.Remediation

		switch verdict.Decision {
		case intent.DecisionDeny:
			sr.Status = StepDeny
		case intent.DecisionModify:
			sr.Status = StepModify
		case intent.DecisionWarn:
			sr.Status = StepWarn
		default:
			sr.Status = StepAllow
		}

		// Invoke the stub for steps that would proceed, so later steps can
		// chain from the synthetic return value.
		if sr.Status != StepDeny {
			if fn, ok := s.stubs.Lookup(step.Tool); ok {
				out, err := s.invokeStub(ctx, fn, args)
				if err != nil {
					sr.Status = StepStubTimeout
					sr.Reason = fmt.Sprintf("tool stub failed: %v", err)
				} else {
					sr.StubOutput = out
					outputs[step.Seq] = out
				}
			}
		}

		// Score the step against the cloned fingerprint only; the live
		// one stays untouched.
		riskScore, riskLevel := s.drift.SpeculativeScore(fp, it, !sr.Status.blocked())
		sr.RiskScore = riskScore
		sr.RiskLevel = riskLevel
		if s.drift.PauseCrossed(riskLevel) {
			pauseCrossed = true
		}

		stepStatus[step.Seq] = sr.Status
		res.Steps = append(res.Steps, sr)

		switch {
		case sr.Status.blocked():
			res.BlockedCount++
		case sr.Status == StepModify:
			res.ModifiedCount++
			res.AllowedCount++
		default:
			res.AllowedCount++
		}
	}

	res.Capabilities = sortedKeys(capSet)

	if res.BlockedCount == 0 && !pauseCrossed {
		res.Overall = "ALLOWED"
	} else {
		res.Overall = "BLOCKED"
	}

	if s.logger != nil {
		s.logger.Printf("[sim] plan %s for %s: %s (%d allowed, %d blocked, %d modified)",
			plan.ID, plan.AgentID, res.Overall, res.AllowedCount, res.BlockedCount, res.ModifiedCount)
	}
	return res
}

// invokeStub runs a stub under the configured deadline.
func (s *Simulator) invokeStub(ctx context.Context, fn StubFunc, args map[string]interface{}) (map[string]interface{}, error) {
	callCtx := ctx
	if s.cfg.StubTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.StubTimeout)
		defer cancel()
	}

	type stubReturn struct {
		out map[string]interface{}
		err error
	}
	done := make(chan stubReturn, 1)
	go func() {
		out, err := fn(callCtx, args)
		done <- stubReturn{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// resolveArgs substitutes "$steps[k].field" references with the simulated
// return of step k. A reference to a step that was blocked (or produced no
// output) blocks this step as a dependency failure.
func (s *Simulator) resolveArgs(args map[string]interface{}, outputs map[int]map[string]interface{}, status map[int]StepStatus) (map[string]interface{}, bool, string) {
	resolved := make(map[string]interface{}, len(args))
	for k, v := range args {
		str, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		m := stepRef.FindStringSubmatch(str)
		if m == nil {
			resolved[k] = v
			continue
		}

		var seq int
		fmt.Sscanf(m[1], "%d", &seq)
		field := m[2]

		if st, seen := status[seq]; !seen || st.blocked() {
			return resolved, false, fmt.Sprintf("argument %q depends on step %d, which was not allowed", k, seq)
		}
		out, ok := outputs[seq]
		if !ok {
			return resolved, false, fmt.Sprintf("argument %q depends on step %d, which produced no output", k, seq)
		}
		val, ok := out[field]
		if !ok {
			return resolved, false, fmt.Sprintf("argument %q references missing field %q of step %d", k, field, seq)
		}
		resolved[k] = val
	}
	return resolved, true, ""
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
