package intent

import "github.com/google/uuid"

// PlanStep is one proposed tool invocation inside a plan.
type PlanStep struct {
	Seq  int                    `json:"seq"`
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Plan is an ordered sequence of proposed steps submitted together for
// speculative evaluation. Plans are immutable inputs to the simulator.
type Plan struct {
	ID      string     `json:"id"`
	AgentID string     `json:"agent_id"`
	Steps   []PlanStep `json:"steps"`
}

// NewPlan builds a plan for agentID, numbering the steps from 1.
func NewPlan(agentID string, steps []PlanStep) *Plan {
	p := &Plan{
		ID:      "PLAN-" + uuid.New().String(),
		AgentID: agentID,
		Steps:   make([]PlanStep, len(steps)),
	}
	for i, s := range steps {
		s.Seq = i + 1
		p.Steps[i] = s
	}
	return p
}
