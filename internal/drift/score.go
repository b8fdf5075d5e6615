package drift

import (
	"math"
	"sort"

	"github.com/armoriq/sentinel/internal/embedding"
	"github.com/armoriq/sentinel/internal/intent"
)

// Smoothing constant for the inter-arrival EMA.
const emaLambda = 0.2

// Laplace smoothing for unseen capabilities and the surprisal squash knee.
const (
	surprisalAlpha = 0.01
	surprisalKnee  = 3.0
)

// Signal names used in contributions and alerts.
const (
	SignalEmbedding = "embedding_drift"
	SignalSurprisal = "capability_surprisal"
	SignalViolation = "violation_rate"
	SignalVelocity  = "velocity_anomaly"
	SignalTemporal  = "temporal_context"
)

// Weights is the composite-score weighting profile. Must sum to 1.
type Weights struct {
	Embedding float64 `yaml:"embedding"`
	Surprisal float64 `yaml:"surprisal"`
	Violation float64 `yaml:"violation"`
	Velocity  float64 `yaml:"velocity"`
	Temporal  float64 `yaml:"temporal"`
}

// DefaultWeights is the default scoring profile.
func DefaultWeights() Weights {
	return Weights{
		Embedding: 0.30,
		Surprisal: 0.25,
		Violation: 0.20,
		Velocity:  0.15,
		Temporal:  0.10,
	}
}

// Sum returns the total weight mass.
func (w Weights) Sum() float64 {
	return w.Embedding + w.Surprisal + w.Violation + w.Velocity + w.Temporal
}

// Contribution is one signal's weighted share of the composite score.
type Contribution struct {
	Signal   string  `json:"signal"`
	Raw      float64 `json:"raw"`
	Weighted float64 `json:"weighted"`
}

// score computes the composite risk of observing it against the current
// fingerprint state, before the intent is inserted. Pure: no mutation.
// During the learning phase the embedding term is dropped and its weight
// redistributed proportionally over the remaining signals.
func score(f *Fingerprint, it *intent.Intent, emb []float64, w Weights, learning, suppressEmbedding bool) (float64, []Contribution) {
	raw := map[string]float64{
		SignalEmbedding: embeddingDrift(f, emb),
		SignalSurprisal: capabilitySurprisal(f, it.Capabilities),
		SignalViolation: f.violationRate(),
		SignalVelocity:  velocityAnomaly(f, it),
		SignalTemporal:  temporalAnomaly(f, it),
	}

	weights := map[string]float64{
		SignalEmbedding: w.Embedding,
		SignalSurprisal: w.Surprisal,
		SignalViolation: w.Violation,
		SignalVelocity:  w.Velocity,
		SignalTemporal:  w.Temporal,
	}

	if learning && suppressEmbedding {
		rest := w.Sum() - w.Embedding
		if rest > 0 {
			scale := w.Sum() / rest
			for k := range weights {
				weights[k] *= scale
			}
		}
		weights[SignalEmbedding] = 0
	}

	var total float64
	contributions := make([]Contribution, 0, len(raw))
	for _, sig := range []string{SignalEmbedding, SignalSurprisal, SignalViolation, SignalVelocity, SignalTemporal} {
		c := Contribution{Signal: sig, Raw: raw[sig], Weighted: raw[sig] * weights[sig]}
		contributions = append(contributions, c)
		total += c.Weighted
	}

	return clamp01(total), contributions
}

// topContributions returns the n largest weighted contributions.
func topContributions(contributions []Contribution, n int) []Contribution {
	sorted := append([]Contribution(nil), contributions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Weighted > sorted[j].Weighted })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// embeddingDrift is 1 - cosine(e, centroid), clamped to [0,1].
func embeddingDrift(f *Fingerprint, emb []float64) float64 {
	if len(f.centroid) == 0 || len(emb) == 0 {
		return 0
	}
	return clamp01(1 - embedding.Cosine(emb, f.centroid))
}

// capabilitySurprisal is the mean -log p(c) over declared capabilities,
// with Laplace smoothing for unseen ones, squashed by x/(x+k).
func capabilitySurprisal(f *Fingerprint, capabilities []string) float64 {
	if len(capabilities) == 0 {
		return 0
	}
	var total float64
	for _, c := range capabilities {
		count := float64(f.capCounts[c])
		p := (count + surprisalAlpha) / (float64(f.capTotal) + surprisalAlpha)
		if p > 1 {
			p = 1
		}
		total += -math.Log(p)
	}
	mean := total / float64(len(capabilities))
	return clamp01(mean / (mean + surprisalKnee))
}

// velocityAnomaly measures how far the latest inter-arrival deviates from
// the EMA baseline.
func velocityAnomaly(f *Fingerprint, it *intent.Intent) float64 {
	if f.lastSeen.IsZero() || f.emaInterval <= 0 {
		return 0
	}
	interval := it.Timestamp.Sub(f.lastSeen).Seconds()
	if interval < 0 {
		interval = 0
	}
	return clamp01(math.Abs(interval-f.emaInterval) / f.emaInterval)
}

// temporalAnomaly compares the current hour's bucket mass against the
// agent's peak hour; off-hours score high.
func temporalAnomaly(f *Fingerprint, it *intent.Intent) float64 {
	max := f.maxHourBucket()
	if max == 0 {
		return 0
	}
	mass := float64(f.hourHist[it.Timestamp.Hour()]) / float64(max)
	return clamp01(1 - mass)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
