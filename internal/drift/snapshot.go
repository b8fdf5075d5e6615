package drift

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// snapshotDoc is the persisted form of a fingerprint plus its risk state.
// Snapshots are an optimization to shorten cold-start replay; the audit
// log stays authoritative.
type snapshotDoc struct {
	AgentID       string          `yaml:"agent_id"`
	Window        int             `yaml:"window"`
	Records       []record        `yaml:"records"` // oldest first
	CapCounts     map[string]int  `yaml:"cap_counts"`
	CapTotal      int             `yaml:"cap_total"`
	HourHist      [24]int         `yaml:"hour_hist"`
	EMAInterval   float64         `yaml:"ema_interval"`
	LastSeen      time.Time       `yaml:"last_seen"`
	Outcomes      []bool          `yaml:"outcomes"`
	MaxPrivilege  float64         `yaml:"max_privilege"`
	TotalIntents  int             `yaml:"total_intents"`
	Resurrections int             `yaml:"resurrections"`
	Score         float64         `yaml:"score"`
	Level         RiskLevel       `yaml:"level"`
	History       []float64       `yaml:"history"`
	SavedAt       time.Time       `yaml:"saved_at"`
}

func (d *snapshotDoc) validate() error {
	if d.AgentID == "" {
		return fmt.Errorf("empty agent id")
	}
	if d.Window <= 0 || len(d.Records) > d.Window {
		return fmt.Errorf("window %d cannot hold %d records", d.Window, len(d.Records))
	}
	if d.TotalIntents < len(d.Records) {
		return fmt.Errorf("total intents %d below record count %d", d.TotalIntents, len(d.Records))
	}
	if d.Score < 0 || d.Score > 1 {
		return fmt.Errorf("score %f outside [0,1]", d.Score)
	}
	switch d.Level {
	case LevelOK, LevelWarning, LevelThrottle, LevelPause, LevelKill, LevelUnknown:
	default:
		return fmt.Errorf("unknown risk level %q", d.Level)
	}
	return nil
}

// SaveSnapshots writes one snapshot file per agent into dir.
func (e *Engine) SaveSnapshots(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("drift: snapshot dir: %w", err)
	}

	var ids []string
	for _, s := range e.shards {
		s.mu.Lock()
		for id := range s.agents {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}

	for _, id := range ids {
		st, ok := e.lookup(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		doc := snapshotDoc{
			AgentID:       id,
			Window:        st.fp.Window(),
			Records:       st.fp.History(),
			CapCounts:     st.fp.capCounts,
			CapTotal:      st.fp.capTotal,
			HourHist:      st.fp.hourHist,
			EMAInterval:   st.fp.emaInterval,
			LastSeen:      st.fp.lastSeen,
			Outcomes:      st.fp.outcomes,
			MaxPrivilege:  st.fp.maxPrivilege,
			TotalIntents:  st.fp.totalIntents,
			Resurrections: st.fp.resurrections,
			Score:         st.score,
			Level:         st.level,
			History:       st.history,
			SavedAt:       time.Now().UTC(),
		}
		raw, err := yaml.Marshal(&doc)
		st.mu.Unlock()
		if err != nil {
			return fmt.Errorf("drift: marshal snapshot for %s: %w", id, err)
		}
		path := filepath.Join(dir, snapshotFileName(id))
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("drift: write snapshot for %s: %w", id, err)
		}
	}
	return nil
}

// LoadSnapshots restores agent state from dir. A snapshot that fails to
// parse or validate quarantines its agent into UNKNOWN rather than being
// silently skipped.
func (e *Engine) LoadSnapshots(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("drift: list snapshots: %w", err)
	}

	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("drift: read snapshot %s: %w", path, err)
		}

		var doc snapshotDoc
		agentID := agentFromSnapshotFile(path)
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			if e.logger != nil {
				e.logger.Printf("[drift] snapshot %s unreadable, quarantining %s: %v", path, agentID, err)
			}
			e.Quarantine(agentID, fmt.Sprintf("fingerprint snapshot unreadable: %v", err))
			continue
		}
		if err := doc.validate(); err != nil {
			if e.logger != nil {
				e.logger.Printf("[drift] snapshot %s invalid, quarantining %s: %v", path, doc.AgentID, err)
			}
			if doc.AgentID == "" {
				doc.AgentID = agentID
			}
			e.Quarantine(doc.AgentID, fmt.Sprintf("fingerprint snapshot invalid: %v", err))
			continue
		}

		fp := NewFingerprint(doc.AgentID, doc.Window)
		for _, r := range doc.Records {
			fp.records[fp.cursor] = r
			fp.cursor = (fp.cursor + 1) % len(fp.records)
			if fp.count < len(fp.records) {
				fp.count++
			}
		}
		fp.capCounts = doc.CapCounts
		if fp.capCounts == nil {
			fp.capCounts = make(map[string]int)
		}
		fp.capTotal = doc.CapTotal
		fp.hourHist = doc.HourHist
		fp.emaInterval = doc.EMAInterval
		fp.lastSeen = doc.LastSeen
		fp.outcomes = doc.Outcomes
		fp.maxPrivilege = doc.MaxPrivilege
		fp.totalIntents = doc.TotalIntents
		fp.resurrections = doc.Resurrections
		fp.recomputeCentroid()

		st := e.agent(doc.AgentID)
		st.mu.Lock()
		st.fp = fp
		st.score = doc.Score
		st.level = doc.Level
		st.history = doc.History
		st.mu.Unlock()
	}
	return nil
}

func snapshotFileName(agentID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, agentID)
	return safe + ".yaml"
}

func agentFromSnapshotFile(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".yaml")
}
