package drift

import (
	"strings"
	"time"

	"github.com/armoriq/sentinel/internal/embedding"
	"github.com/armoriq/sentinel/internal/intent"
)

// record is one observed intent inside the fingerprint ring buffer.
type record struct {
	IntentID     string    `json:"intent_id"`
	Timestamp    time.Time `json:"timestamp"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities"`
	Embedding    []float64 `json:"embedding"`
	Allowed      bool      `json:"allowed"`
}

// violationWindow is how many recent intents the violation-rate signal
// looks at.
const violationWindow = 10

// Fingerprint is the statistical profile of an agent's normal behavior.
// All mutation happens under the owning agent's lock in the engine; the
// simulator only ever works on deep clones.
type Fingerprint struct {
	AgentID string

	// Ring buffer of the last Window intents.
	records []record
	cursor  int
	count   int

	// Running centroid of the ring's embeddings, L2-normalized.
	centroid []float64

	// Capability frequency over the agent's whole lifetime.
	capCounts map[string]int
	capTotal  int

	// Hour-of-day histogram.
	hourHist [24]int

	// Exponential moving average of inter-arrival seconds.
	emaInterval float64
	lastSeen    time.Time

	// Outcome ring for the violation-rate signal. Cleared on resurrection.
	outcomes []bool

	// Highest privilege level observed, in [0,1].
	maxPrivilege float64

	totalIntents  int
	resurrections int
	createdAt     time.Time
	updatedAt     time.Time
}

// NewFingerprint creates an empty fingerprint with the given window size.
func NewFingerprint(agentID string, window int) *Fingerprint {
	if window <= 0 {
		window = 20
	}
	now := time.Now().UTC()
	return &Fingerprint{
		AgentID:   agentID,
		records:   make([]record, window),
		capCounts: make(map[string]int),
		createdAt: now,
		updatedAt: now,
	}
}

// Window returns the ring buffer capacity.
func (f *Fingerprint) Window() int { return len(f.records) }

// Len returns how many intents the ring currently holds.
func (f *Fingerprint) Len() int { return f.count }

// TotalIntents returns the lifetime intent count.
func (f *Fingerprint) TotalIntents() int { return f.totalIntents }

// Resurrections returns how many times the agent has been resurrected.
func (f *Fingerprint) Resurrections() int { return f.resurrections }

// History returns the ring contents oldest-first.
func (f *Fingerprint) History() []record {
	out := make([]record, 0, f.count)
	start := f.cursor - f.count
	for i := 0; i < f.count; i++ {
		idx := ((start + i) % len(f.records) + len(f.records)) % len(f.records)
		out = append(out, f.records[idx])
	}
	return out
}

// insert adds an observed intent to the fingerprint and refreshes the
// derived statistics.
func (f *Fingerprint) insert(it *intent.Intent, emb []float64, allowed bool) {
	r := record{
		IntentID:     it.ID,
		Timestamp:    it.Timestamp,
		Description:  it.Description,
		Capabilities: append([]string(nil), it.Capabilities...),
		Embedding:    emb,
		Allowed:      allowed,
	}

	f.records[f.cursor] = r
	f.cursor = (f.cursor + 1) % len(f.records)
	if f.count < len(f.records) {
		f.count++
	}
	f.totalIntents++
	f.updatedAt = time.Now().UTC()

	for _, c := range it.Capabilities {
		f.capCounts[c]++
		f.capTotal++
	}

	f.hourHist[it.Timestamp.Hour()]++

	if !f.lastSeen.IsZero() {
		interval := it.Timestamp.Sub(f.lastSeen).Seconds()
		if interval < 0 {
			interval = 0
		}
		if f.emaInterval == 0 {
			f.emaInterval = interval
		} else {
			f.emaInterval = emaLambda*interval + (1-emaLambda)*f.emaInterval
		}
	}
	f.lastSeen = it.Timestamp

	f.outcomes = append(f.outcomes, allowed)
	if len(f.outcomes) > violationWindow {
		f.outcomes = f.outcomes[len(f.outcomes)-violationWindow:]
	}

	if p := privilegeLevel(it.Capabilities); p > f.maxPrivilege {
		f.maxPrivilege = p
	}

	f.recomputeCentroid()
}

// recomputeCentroid averages the ring's embeddings. W is small, so a full
// O(W) recompute is preferred over incremental updates.
func (f *Fingerprint) recomputeCentroid() {
	f.centroid = nil
	var dim int
	for _, r := range f.History() {
		if len(r.Embedding) > 0 {
			dim = len(r.Embedding)
			break
		}
	}
	if dim == 0 {
		return
	}
	sum := make([]float64, dim)
	n := 0
	for _, r := range f.History() {
		if len(r.Embedding) != dim {
			continue
		}
		for i, x := range r.Embedding {
			sum[i] += x
		}
		n++
	}
	if n == 0 {
		return
	}
	for i := range sum {
		sum[i] /= float64(n)
	}
	f.centroid = embedding.Normalize(sum)
}

// violationRate is the fraction of denies over the outcome window.
func (f *Fingerprint) violationRate() float64 {
	if len(f.outcomes) == 0 {
		return 0
	}
	denied := 0
	for _, allowed := range f.outcomes {
		if !allowed {
			denied++
		}
	}
	return float64(denied) / float64(violationWindow)
}

// clearViolations resets the outcome window (resurrection semantics).
func (f *Fingerprint) clearViolations() {
	f.outcomes = nil
}

// maxHourBucket returns the largest hour-of-day bucket count.
func (f *Fingerprint) maxHourBucket() int {
	max := 0
	for _, c := range f.hourHist {
		if c > max {
			max = c
		}
	}
	return max
}

// Clone returns a deep copy. The simulator scores plans against clones so
// the authoritative fingerprint is never touched.
func (f *Fingerprint) Clone() *Fingerprint {
	cp := &Fingerprint{
		AgentID:       f.AgentID,
		records:       make([]record, len(f.records)),
		cursor:        f.cursor,
		count:         f.count,
		capCounts:     make(map[string]int, len(f.capCounts)),
		capTotal:      f.capTotal,
		hourHist:      f.hourHist,
		emaInterval:   f.emaInterval,
		lastSeen:      f.lastSeen,
		maxPrivilege:  f.maxPrivilege,
		totalIntents:  f.totalIntents,
		resurrections: f.resurrections,
		createdAt:     f.createdAt,
		updatedAt:     f.updatedAt,
	}
	for i, r := range f.records {
		rc := r
		rc.Capabilities = append([]string(nil), r.Capabilities...)
		rc.Embedding = append([]float64(nil), r.Embedding...)
		cp.records[i] = rc
	}
	cp.centroid = append([]float64(nil), f.centroid...)
	for k, v := range f.capCounts {
		cp.capCounts[k] = v
	}
	cp.outcomes = append([]bool(nil), f.outcomes...)
	return cp
}

// Snapshot renders the fingerprint as a structured document for forensic
// snapshots and persistence.
func (f *Fingerprint) Snapshot(lastK int) map[string]interface{} {
	hist := f.History()
	if lastK > 0 && len(hist) > lastK {
		hist = hist[len(hist)-lastK:]
	}
	recent := make([]map[string]interface{}, 0, len(hist))
	for _, r := range hist {
		recent = append(recent, map[string]interface{}{
			"intent_id":    r.IntentID,
			"timestamp":    r.Timestamp.Format(time.RFC3339Nano),
			"description":  r.Description,
			"capabilities": r.Capabilities,
			"allowed":      r.Allowed,
		})
	}

	caps := make(map[string]interface{}, len(f.capCounts))
	for k, v := range f.capCounts {
		caps[k] = v
	}

	hours := make([]interface{}, 24)
	for i, c := range f.hourHist {
		hours[i] = c
	}

	return map[string]interface{}{
		"agent_id":       f.AgentID,
		"total_intents":  f.totalIntents,
		"resurrections":  f.resurrections,
		"capability_map": caps,
		"hour_histogram": hours,
		"ema_interval_s": f.emaInterval,
		"max_privilege":  f.maxPrivilege,
		"violation_rate": f.violationRate(),
		"recent_intents": recent,
		"created_at":     f.createdAt.Format(time.RFC3339Nano),
		"updated_at":     f.updatedAt.Format(time.RFC3339Nano),
	}
}

// privilegeLevel estimates the privilege implied by a capability set:
// 0 read, 0.5 write, 1 admin.
func privilegeLevel(capabilities []string) float64 {
	adminWords := []string{"admin", "delete", "export", "execute", "create", "modify"}
	writeWords := []string{"write", "update", "send", "book", "schedule", "edit"}

	if len(capabilities) == 0 {
		return 0
	}
	var sum float64
	for _, c := range capabilities {
		lc := strings.ToLower(c)
		level := 0.0
		for _, w := range writeWords {
			if strings.Contains(lc, w) {
				level = 0.5
				break
			}
		}
		for _, w := range adminWords {
			if strings.Contains(lc, w) {
				level = 1.0
				break
			}
		}
		sum += level
	}
	return sum / float64(len(capabilities))
}
