package drift

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades a drift alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is generated on any upward transition into WARNING, THROTTLE,
// PAUSE, or KILL.
type Alert struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	AgentID         string         `json:"agent_id"`
	Severity        AlertSeverity  `json:"severity"`
	RiskScore       float64        `json:"risk_score"`
	Level           RiskLevel      `json:"level"`
	DominantSignals []Contribution `json:"dominant_signals"`
	Explanation     string         `json:"explanation"`
	SuggestedAction string         `json:"suggested_action"`
	IntentID        string         `json:"intent_id"`
	Acknowledged    bool           `json:"acknowledged"`
}

// newAlert builds the alert for a transition, naming the top two
// contributing signals.
func newAlert(agentID, intentID string, level RiskLevel, score float64, contributions []Contribution, newCaps []string) *Alert {
	top := topContributions(contributions, 2)

	severity := SeverityInfo
	switch level {
	case LevelKill:
		severity = SeverityCritical
	case LevelPause, LevelThrottle:
		severity = SeverityWarning
	case LevelWarning:
		severity = SeverityInfo
	}

	var parts []string
	for _, c := range top {
		switch c.Signal {
		case SignalSurprisal:
			if len(newCaps) > 0 {
				parts = append(parts, fmt.Sprintf("capability surprisal spiked: new capability %s not in baseline",
					strings.Join(newCaps, ", ")))
			} else {
				parts = append(parts, fmt.Sprintf("capability surprisal at %.2f", c.Raw))
			}
		case SignalEmbedding:
			parts = append(parts, fmt.Sprintf("intent semantics drifted %.2f from baseline centroid", c.Raw))
		case SignalViolation:
			parts = append(parts, fmt.Sprintf("policy violation rate at %.0f%% of recent intents", c.Raw*100))
		case SignalVelocity:
			parts = append(parts, fmt.Sprintf("action pacing deviates %.0f%% from baseline", c.Raw*100))
		case SignalTemporal:
			parts = append(parts, fmt.Sprintf("acting in off-hours relative to baseline (%.2f)", c.Raw))
		}
	}

	var action string
	switch level {
	case LevelKill:
		action = "Agent killed; review the forensic snapshot before considering resurrection."
	case LevelPause:
		action = "Agent paused; review recent intents, then resume or escalate."
	case LevelThrottle:
		action = "Agent throttled; monitor the rate and confirm the workload is expected."
	default:
		action = "Monitor this agent; drift patterns are emerging."
	}

	return &Alert{
		ID:              "ALERT-" + uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		AgentID:         agentID,
		Severity:        severity,
		RiskScore:       score,
		Level:           level,
		DominantSignals: top,
		Explanation:     strings.Join(parts, "; "),
		SuggestedAction: action,
		IntentID:        intentID,
	}
}

// AlertRegistry retains alerts for operator review.
type AlertRegistry struct {
	mu     sync.RWMutex
	alerts []*Alert
}

// NewAlertRegistry creates an empty registry.
func NewAlertRegistry() *AlertRegistry {
	return &AlertRegistry{}
}

// Add retains an alert.
func (r *AlertRegistry) Add(a *Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns alerts, optionally filtered by agent and acknowledged
// state (acknowledged == nil matches both).
func (r *AlertRegistry) Alerts(agentID string, acknowledged *bool) []*Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Alert
	for _, a := range r.alerts {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if acknowledged != nil && a.Acknowledged != *acknowledged {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Acknowledge marks the alert with the given id.
func (r *AlertRegistry) Acknowledge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return true
		}
	}
	return false
}
