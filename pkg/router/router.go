// Package router decides where a task runs. It is a pure decision function
// over a task and a point-in-time snapshot of execution endpoints: trivial
// work stays on the agent, complex work escalates to the external service,
// and standard work is placed on the best-scoring healthy model endpoint.
// The router holds configuration only; it is safe to call concurrently.
package router

import (
	"fmt"
	"slices"
	"time"

	"loom/pkg/protocol"
)

// Resources are the last-reported utilization metrics for an endpoint.
// Unknown metrics (negative CPU, zero memory/VRAM) score neutrally and
// never disqualify a candidate.
type Resources struct {
	CPUUtil    float64 `yaml:"cpu_util"`     // 0..1; negative = unknown
	TotalMemGB float64 `yaml:"total_mem_gb"` // 0 = unknown
	FreeVRAMGB float64 `yaml:"free_vram_gb"` // 0 = unknown
}

// Endpoint is a candidate execution host for standard-tier placement.
type Endpoint struct {
	Name       string    `yaml:"name"`
	URL        string    `yaml:"url"`
	Host       string    `yaml:"host"` // machine name, for agent colocation
	Healthy    bool      `yaml:"healthy"`
	Models     []string  `yaml:"models"`        // advertised models
	Loaded     []string  `yaml:"loaded"`        // models currently warm
	Workspaces []string  `yaml:"workspaces"`    // workspaces with prior affinity
	Resources  Resources `yaml:"resources"`
}

// Config tunes the load scorer. Zero fields take defaults.
type Config struct {
	ReferenceMemGB  float64 // capacity reference (default 16)
	CapacityCap     float64 // max capacity factor (default 1.5)
	ReferenceVRAMGB float64 // free-VRAM reference (default 8)
	WarmBonus       float64 // preferred model already loaded (default 1.15)
	AffinityBonus   float64 // prior workspace affinity (default 1.05)
}

func (c Config) withDefaults() Config {
	out := c
	if out.ReferenceMemGB == 0 {
		out.ReferenceMemGB = 16
	}
	if out.CapacityCap == 0 {
		out.CapacityCap = 1.5
	}
	if out.ReferenceVRAMGB == 0 {
		out.ReferenceVRAMGB = 8
	}
	if out.WarmBonus == 0 {
		out.WarmBonus = 1.15
	}
	if out.AffinityBonus == 0 {
		out.AffinityBonus = 1.05
	}
	return out
}

// Router scores endpoints and produces routing decisions.
type Router struct {
	cfg Config

	// nowFunc allows tests to control decision timestamps.
	nowFunc func() time.Time
}

// New creates a Router with resolved defaults.
func New(cfg Config) *Router {
	return &Router{cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// SetNowFunc overrides the router clock (for testing).
func (r *Router) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// ResolveTier returns the effective tier for a task. Unknown classifications
// resolve to standard.
func ResolveTier(t *protocol.Task) protocol.Tier {
	return t.Complexity.Effective()
}

// Route returns the placement for a task given the current endpoint roster.
// It never returns an error: when the preferred tier has no viable target it
// returns a fallback decision, which the scheduler treats as "degrade to
// capability matching".
func (r *Router) Route(t *protocol.Task, endpoints []Endpoint) protocol.RoutingDecision {
	tier := ResolveTier(t)
	now := r.nowFunc().UTC()

	switch tier {
	case protocol.TierTrivial:
		return protocol.RoutingDecision{
			Tier:      tier,
			Target:    protocol.TargetAgent,
			Cost:      protocol.CostFree,
			Reason:    fmt.Sprintf("complexity %s: execute on assigned agent", t.Complexity),
			DecidedAt: now,
		}
	case protocol.TierComplex:
		return protocol.RoutingDecision{
			Tier:      tier,
			Target:    protocol.TargetExternal,
			Cost:      protocol.CostMetered,
			Reason:    fmt.Sprintf("complexity %s: escalate to external service", t.Complexity),
			DecidedAt: now,
		}
	}

	// Standard tier: pick the best healthy endpoint advertising a model.
	candidates := viable(endpoints)
	if len(candidates) == 0 {
		return protocol.RoutingDecision{
			Tier:           tier,
			Target:         protocol.TargetEndpoint,
			Cost:           protocol.CostFree,
			Fallback:       true,
			FallbackReason: "no healthy endpoint advertising a model",
			Candidates:     0,
			Reason:         fmt.Sprintf("complexity %s: no viable endpoint, degrade to capability matching", t.Complexity),
			DecidedAt:      now,
		}
	}

	// Rank descending; ties resolve by declaration order.
	best := candidates[0]
	bestScore := r.score(t, best)
	for _, ep := range candidates[1:] {
		if s := r.score(t, ep); s > bestScore {
			best, bestScore = ep, s
		}
	}

	return protocol.RoutingDecision{
		Tier:       tier,
		Target:     protocol.TargetEndpoint,
		Endpoint:   best.Name,
		Cost:       protocol.CostFree,
		Candidates: len(candidates),
		Reason: fmt.Sprintf("complexity %s: endpoint %s scored %.3f over %d candidates",
			t.Complexity, best.Name, bestScore, len(candidates)),
		DecidedAt: now,
	}
}

// viable filters to healthy endpoints advertising at least one model.
func viable(endpoints []Endpoint) []Endpoint {
	var out []Endpoint
	for _, ep := range endpoints {
		if ep.Healthy && len(ep.Models) > 0 {
			out = append(out, ep)
		}
	}
	return out
}

// score computes the placement score for one endpoint. Inverse-load base,
// capped capacity factor, free-VRAM factor, warm-model and workspace
// affinity bonuses. Missing metrics score neutrally.
func (r *Router) score(t *protocol.Task, ep Endpoint) float64 {
	util := ep.Resources.CPUUtil
	if util < 0 {
		util = 0.5
	}
	if util > 1 {
		util = 1
	}
	score := 1.0 - util

	if ep.Resources.TotalMemGB > 0 {
		capacity := ep.Resources.TotalMemGB / r.cfg.ReferenceMemGB
		if capacity > r.cfg.CapacityCap {
			capacity = r.cfg.CapacityCap
		}
		score *= capacity
	}

	if ep.Resources.FreeVRAMGB > 0 {
		vram := ep.Resources.FreeVRAMGB / r.cfg.ReferenceVRAMGB
		if vram > r.cfg.CapacityCap {
			vram = r.cfg.CapacityCap
		}
		score *= vram
	}

	if t.Model != "" && slices.Contains(ep.Loaded, t.Model) {
		score *= r.cfg.WarmBonus
	}
	if t.Workspace != "" && slices.Contains(ep.Workspaces, t.Workspace) {
		score *= r.cfg.AffinityBonus
	}
	return score
}
