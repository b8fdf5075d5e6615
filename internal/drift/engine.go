package drift

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/armoriq/sentinel/internal/embedding"
	"github.com/armoriq/sentinel/internal/intent"
)

// RiskLevel is an agent's enforcement tier.
type RiskLevel string

const (
	LevelOK       RiskLevel = "OK"
	LevelWarning  RiskLevel = "WARNING"
	LevelThrottle RiskLevel = "THROTTLE"
	LevelPause    RiskLevel = "PAUSE"
	LevelKill     RiskLevel = "KILL"
	// LevelUnknown quarantines an agent whose fingerprint failed
	// validation on load. Treated like PAUSE until an admin acts.
	LevelUnknown RiskLevel = "UNKNOWN"
)

func levelRank(l RiskLevel) int {
	switch l {
	case LevelOK:
		return 0
	case LevelWarning:
		return 1
	case LevelThrottle:
		return 2
	case LevelPause:
		return 3
	case LevelUnknown:
		return 3
	case LevelKill:
		return 4
	}
	return 0
}

// Suspended reports whether the level refuses new intents outright.
func (l RiskLevel) Suspended() bool {
	return l == LevelPause || l == LevelKill || l == LevelUnknown
}

// Thresholds are the enforcement boundaries on the composite score.
type Thresholds struct {
	Warning  float64 `yaml:"warning"`
	Throttle float64 `yaml:"throttle"`
	Pause    float64 `yaml:"pause"`
	Kill     float64 `yaml:"kill"`
}

// DefaultThresholds returns the default enforcement boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.30, Throttle: 0.50, Pause: 0.70, Kill: 0.85}
}

func (t Thresholds) levelFor(score float64) RiskLevel {
	switch {
	case score >= t.Kill:
		return LevelKill
	case score >= t.Pause:
		return LevelPause
	case score >= t.Throttle:
		return LevelThrottle
	case score >= t.Warning:
		return LevelWarning
	}
	return LevelOK
}

// Config tunes the drift engine.
type Config struct {
	// Window is the fingerprint ring size W.
	Window int
	// LearningIntents is the baseline phase length L; PAUSE and KILL do
	// not fire while an agent is establishing baseline.
	LearningIntents int
	// MaxResurrections caps admin resurrections per agent.
	MaxResurrections int
	// ThrottlePerMinute is the action budget while THROTTLE is active.
	ThrottlePerMinute int
	// SuppressEmbeddingDuringLearning drops the embedding term during the
	// learning phase and redistributes its weight.
	SuppressEmbeddingDuringLearning bool
	// ResurrectionResetScore is the composite score an agent restarts at.
	ResurrectionResetScore float64
	// EmbedTimeout bounds calls into the embedding provider.
	EmbedTimeout time.Duration
	// RiskHistoryLimit bounds the per-agent score history kept for charts.
	RiskHistoryLimit int

	Weights    Weights
	Thresholds Thresholds
}

// DefaultConfig returns the default engine tuning.
func DefaultConfig() Config {
	return Config{
		Window:                          20,
		LearningIntents:                 20,
		MaxResurrections:                3,
		ThrottlePerMinute:               6,
		SuppressEmbeddingDuringLearning: true,
		ResurrectionResetScore:          0.29,
		EmbedTimeout:                    2 * time.Second,
		RiskHistoryLimit:                50,
		Weights:                         DefaultWeights(),
		Thresholds:                      DefaultThresholds(),
	}
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if sum := c.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("drift: weights must sum to 1.0, got %.3f", sum)
	}
	return nil
}

// RiskState is the read-only status snapshot for an agent.
type RiskState struct {
	AgentID        string    `json:"agent_id"`
	Score          float64   `json:"score"`
	Level          RiskLevel `json:"level"`
	History        []float64 `json:"history"`
	LastTransition time.Time `json:"last_transition"`
	Reason         string    `json:"reason,omitempty"`
	Resurrections  int       `json:"resurrections"`
	TotalIntents   int       `json:"total_intents"`
	Learning       bool      `json:"learning"`
}

// Observation is the result of scoring one intent.
type Observation struct {
	Score             float64
	Level             RiskLevel
	Alert             *Alert
	Transitioned      bool
	EmbeddingDegraded bool
	// Refused means the agent was already suspended: nothing was scored
	// and the fingerprint was not touched.
	Refused bool
	Reason  string
}

// Resurrection / resume errors.
var (
	ErrUnknownAgent    = errors.New("drift: unknown agent")
	ErrNotSuspended    = errors.New("drift: agent is not suspended")
	ErrNotKilled       = errors.New("drift: agent is not killed")
	ErrResurrectionCap = errors.New("drift: resurrection cap reached")
)

type agentState struct {
	mu             sync.Mutex
	fp             *Fingerprint
	score          float64
	level          RiskLevel
	history        []float64
	lastTransition time.Time
	reason         string
	throttleTimes  []time.Time
}

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	agents map[string]*agentState
}

// Engine maintains per-agent fingerprints and enforces drift thresholds.
// Fingerprint mutation is serialized by a per-agent lock; the engine never
// holds more than one agent lock at a time.
type Engine struct {
	cfg      Config
	provider embedding.Provider
	fallback *embedding.HashProvider
	shards   [shardCount]*shard
	alerts   *AlertRegistry
	logger   *log.Logger
}

// NewEngine creates a drift engine. provider may be nil, in which case the
// deterministic hash embedding is used for everything.
func NewEngine(cfg Config, provider embedding.Provider, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dim := 128
	if provider != nil {
		dim = provider.Dimension()
	}
	e := &Engine{
		cfg:      cfg,
		provider: provider,
		fallback: embedding.NewHashProvider(dim),
		alerts:   NewAlertRegistry(),
		logger:   logger,
	}
	for i := range e.shards {
		e.shards[i] = &shard{agents: make(map[string]*agentState)}
	}
	return e, nil
}

// Alerts exposes the alert registry.
func (e *Engine) Alerts() *AlertRegistry { return e.alerts }

func (e *Engine) shardFor(agentID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return e.shards[h.Sum32()%shardCount]
}

// agent returns (creating if needed) the state record for agentID. Only
// the shard map lock is held here; callers lock the record itself.
func (e *Engine) agent(agentID string) *agentState {
	s := e.shardFor(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		st = &agentState{
			fp:    NewFingerprint(agentID, e.cfg.Window),
			level: LevelOK,
		}
		s.agents[agentID] = st
		if e.logger != nil {
			e.logger.Printf("[drift] created fingerprint for agent %s", agentID)
		}
	}
	return st
}

// lookup returns the state record without creating one.
func (e *Engine) lookup(agentID string) (*agentState, bool) {
	s := e.shardFor(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	return st, ok
}

// resolveEmbedding returns the intent's embedding, calling the provider
// under a deadline and falling back to the hash embedding on any failure.
func (e *Engine) resolveEmbedding(ctx context.Context, it *intent.Intent) ([]float64, bool) {
	if len(it.Embedding) > 0 {
		return it.Embedding, false
	}
	if e.provider == nil {
		emb, _ := e.fallback.Embed(ctx, it.Description)
		return emb, false
	}

	callCtx := ctx
	if e.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.EmbedTimeout)
		defer cancel()
	}
	emb, err := e.provider.Embed(callCtx, it.Description)
	if err == nil && len(emb) > 0 {
		return emb, false
	}
	if e.logger != nil {
		e.logger.Printf("[drift] embedding provider failed for %s, using hash fallback: %v", it.AgentID, err)
	}
	emb, _ = e.fallback.Embed(ctx, it.Description)
	return emb, true
}

// Observe updates the agent's fingerprint with the intent, recomputes the
// composite risk, and enforces thresholds. The verdict tells the engine
// whether policy allowed the action (feeding the violation-rate signal).
func (e *Engine) Observe(ctx context.Context, it *intent.Intent, verdict *intent.Verdict) Observation {
	st := e.agent(it.AgentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.level.Suspended() {
		// Once killed (or paused), no scoring updates happen until an
		// admin intervenes.
		return Observation{
			Score:   st.score,
			Level:   st.level,
			Refused: true,
			Reason:  st.reason,
		}
	}

	emb, degraded := e.resolveEmbedding(ctx, it)

	learning := st.fp.TotalIntents() < e.cfg.LearningIntents
	riskScore, contributions := score(st.fp, it, emb, e.cfg.Weights, learning, e.cfg.SuppressEmbeddingDuringLearning)

	// Capabilities never seen before this intent, for alert text.
	var newCaps []string
	for _, c := range it.Capabilities {
		if st.fp.capCounts[c] == 0 {
			newCaps = append(newCaps, c)
		}
	}

	st.fp.insert(it, emb, verdict == nil || verdict.Allowed())

	st.score = riskScore
	st.history = append(st.history, riskScore)
	if limit := e.cfg.RiskHistoryLimit; limit > 0 && len(st.history) > limit {
		st.history = st.history[len(st.history)-limit:]
	}

	newLevel := e.cfg.Thresholds.levelFor(riskScore)
	if learning && levelRank(newLevel) > levelRank(LevelThrottle) {
		// Baseline phase: warnings and throttling only.
		newLevel = LevelThrottle
	}

	obs := Observation{
		Score:             riskScore,
		Level:             st.level,
		EmbeddingDegraded: degraded,
	}

	if levelRank(newLevel) > levelRank(st.level) {
		st.level = newLevel
		st.lastTransition = time.Now().UTC()
		st.reason = fmt.Sprintf("composite risk %.3f crossed %s threshold", riskScore, newLevel)
		obs.Level = newLevel
		obs.Transitioned = true

		alert := newAlert(it.AgentID, it.ID, newLevel, riskScore, contributions, newCaps)
		e.alerts.Add(alert)
		obs.Alert = alert

		if e.logger != nil {
			e.logger.Printf("[drift] agent %s -> %s (risk=%.3f): %s", it.AgentID, newLevel, riskScore, alert.Explanation)
		}
	}

	return obs
}

// ThrottleExceeded reports whether a throttled agent has used up its
// per-minute budget, counting this call as an attempt when it is allowed.
// Non-throttled agents always pass without bookkeeping.
func (e *Engine) ThrottleExceeded(agentID string) bool {
	st, ok := e.lookup(agentID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.level != LevelThrottle {
		return false
	}

	cutoff := time.Now().Add(-time.Minute)
	kept := st.throttleTimes[:0]
	for _, t := range st.throttleTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.throttleTimes = kept

	if len(st.throttleTimes) >= e.cfg.ThrottlePerMinute {
		return true
	}
	st.throttleTimes = append(st.throttleTimes, time.Now())
	return false
}

// Status returns the agent's current risk state.
func (e *Engine) Status(agentID string) (RiskState, bool) {
	st, ok := e.lookup(agentID)
	if !ok {
		return RiskState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return RiskState{
		AgentID:        agentID,
		Score:          st.score,
		Level:          st.level,
		History:        append([]float64(nil), st.history...),
		LastTransition: st.lastTransition,
		Reason:         st.reason,
		Resurrections:  st.fp.Resurrections(),
		TotalIntents:   st.fp.TotalIntents(),
		Learning:       st.fp.TotalIntents() < e.cfg.LearningIntents,
	}, true
}

// Resurrect transitions a killed agent back to OK. The composite score is
// reset just under the warning threshold and the violation window cleared;
// history and the capability map survive.
func (e *Engine) Resurrect(agentID, adminID, reason string) error {
	st, ok := e.lookup(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.level != LevelKill {
		return ErrNotKilled
	}
	if st.fp.Resurrections() >= e.cfg.MaxResurrections {
		return fmt.Errorf("%w (%d/%d)", ErrResurrectionCap, st.fp.Resurrections(), e.cfg.MaxResurrections)
	}

	st.fp.resurrections++
	st.fp.clearViolations()
	st.level = LevelOK
	st.score = e.cfg.ResurrectionResetScore
	st.history = append(st.history, st.score)
	st.lastTransition = time.Now().UTC()
	st.reason = fmt.Sprintf("resurrected by %s: %s", adminID, reason)

	if e.logger != nil {
		e.logger.Printf("[drift] agent %s resurrected by %s (%d/%d)", agentID, adminID, st.fp.Resurrections(), e.cfg.MaxResurrections)
	}
	return nil
}

// Resume lifts PAUSE (or quarantine) after admin review. Killed agents
// must go through Resurrect.
func (e *Engine) Resume(agentID, adminID, reason string) error {
	st, ok := e.lookup(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.level != LevelPause && st.level != LevelThrottle && st.level != LevelUnknown {
		return ErrNotSuspended
	}
	st.level = LevelOK
	st.score = e.cfg.ResurrectionResetScore
	st.history = append(st.history, st.score)
	st.lastTransition = time.Now().UTC()
	st.reason = fmt.Sprintf("resumed by %s: %s", adminID, reason)
	return nil
}

// Quarantine forces an agent into the UNKNOWN state, used when a persisted
// fingerprint fails validation on load.
func (e *Engine) Quarantine(agentID, reason string) {
	st := e.agent(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.level = LevelUnknown
	st.reason = reason
	st.lastTransition = time.Now().UTC()
}

// CloneFingerprint returns a deep copy of the agent's fingerprint for
// speculative scoring, or a fresh one if the agent is unknown.
func (e *Engine) CloneFingerprint(agentID string) *Fingerprint {
	st, ok := e.lookup(agentID)
	if !ok {
		return NewFingerprint(agentID, e.cfg.Window)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fp.Clone()
}

// SnapshotFingerprint renders the agent's fingerprint for forensic capture.
func (e *Engine) SnapshotFingerprint(agentID string, lastK int) (map[string]interface{}, bool) {
	st, ok := e.lookup(agentID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.fp.Snapshot(lastK)
	snap["risk_history"] = floatSlice(st.history)
	snap["risk_level"] = string(st.level)
	snap["status_reason"] = st.reason
	return snap, true
}

// SpeculativeScore scores an intent against a cloned fingerprint and
// records it there, without touching any engine state. The embedding
// provider is never called: an intent without its own embedding is scored
// with the hash embedding, so simulation stays deterministic.
func (e *Engine) SpeculativeScore(fp *Fingerprint, it *intent.Intent, allowed bool) (float64, RiskLevel) {
	emb := it.Embedding
	if len(emb) == 0 {
		emb, _ = e.fallback.Embed(context.Background(), it.Description)
	}
	learning := fp.TotalIntents() < e.cfg.LearningIntents
	riskScore, _ := score(fp, it, emb, e.cfg.Weights, learning, e.cfg.SuppressEmbeddingDuringLearning)
	fp.insert(it, emb, allowed)
	level := e.cfg.Thresholds.levelFor(riskScore)
	if learning && levelRank(level) > levelRank(LevelThrottle) {
		level = LevelThrottle
	}
	return riskScore, level
}

// PauseCrossed reports whether level is at or above PAUSE.
func (e *Engine) PauseCrossed(level RiskLevel) bool {
	return levelRank(level) >= levelRank(LevelPause)
}

// FleetSummary aggregates risk across all agents.
type FleetSummary struct {
	TotalAgents int                `json:"total_agents"`
	ByLevel     map[RiskLevel]int  `json:"by_level"`
	HighRisk    []RiskState        `json:"high_risk"`
}

// Summary computes a fleet-wide risk summary.
func (e *Engine) Summary() FleetSummary {
	out := FleetSummary{ByLevel: make(map[RiskLevel]int)}

	// Collect agent ids first so no agent lock is held while another is
	// taken.
	var ids []string
	for _, s := range e.shards {
		s.mu.Lock()
		for id := range s.agents {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}

	for _, id := range ids {
		state, ok := e.Status(id)
		if !ok {
			continue
		}
		out.TotalAgents++
		out.ByLevel[state.Level]++
		if state.Score >= e.cfg.Thresholds.Warning {
			out.HighRisk = append(out.HighRisk, state)
		}
	}
	return out
}

func floatSlice(xs []float64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}
