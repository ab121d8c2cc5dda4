package router //nolint:testpackage // white-box tests exercise the scorer directly

import (
	"testing"
	"time"

	"loom/pkg/protocol"
)

func newTestRouter() *Router {
	r := New(Config{})
	r.SetNowFunc(func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
	return r
}

func healthyEndpoint(name string) Endpoint {
	return Endpoint{
		Name:      name,
		Host:      name + "-host",
		Healthy:   true,
		Models:    []string{"llama3"},
		Resources: Resources{CPUUtil: 0.5, TotalMemGB: 16, FreeVRAMGB: 8},
	}
}

func TestRouteTiers(t *testing.T) {
	r := newTestRouter()
	endpoints := []Endpoint{healthyEndpoint("gpu-1")}

	tests := []struct {
		name       string
		complexity protocol.Tier
		wantTier   protocol.Tier
		wantTarget protocol.TargetType
		wantCost   string
	}{
		{"trivial stays on agent", protocol.TierTrivial, protocol.TierTrivial, protocol.TargetAgent, protocol.CostFree},
		{"complex escalates metered", protocol.TierComplex, protocol.TierComplex, protocol.TargetExternal, protocol.CostMetered},
		{"standard goes to endpoint", protocol.TierStandard, protocol.TierStandard, protocol.TargetEndpoint, protocol.CostFree},
		{"unknown resolves to standard", protocol.TierUnknown, protocol.TierStandard, protocol.TargetEndpoint, protocol.CostFree},
		{"empty resolves to standard", "", protocol.TierStandard, protocol.TargetEndpoint, protocol.CostFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(&protocol.Task{Complexity: tt.complexity}, endpoints)
			if d.Tier != tt.wantTier {
				t.Errorf("tier = %q, want %q", d.Tier, tt.wantTier)
			}
			if d.Target != tt.wantTarget {
				t.Errorf("target = %q, want %q", d.Target, tt.wantTarget)
			}
			if d.Cost != tt.wantCost {
				t.Errorf("cost = %q, want %q", d.Cost, tt.wantCost)
			}
			if d.Fallback {
				t.Error("unexpected fallback")
			}
		})
	}
}

func TestRouteFallbackWhenNoViableEndpoint(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name      string
		endpoints []Endpoint
	}{
		{"no endpoints", nil},
		{"unhealthy only", []Endpoint{{Name: "down", Healthy: false, Models: []string{"m"}}}},
		{"no models", []Endpoint{{Name: "empty", Healthy: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(&protocol.Task{Complexity: protocol.TierStandard}, tt.endpoints)
			if !d.Fallback {
				t.Fatal("want fallback decision")
			}
			if d.Endpoint != "" {
				t.Errorf("fallback named endpoint %q", d.Endpoint)
			}
			if d.FallbackReason == "" {
				t.Error("fallback has no reason")
			}
		})
	}
}

func TestRoutePicksLeastLoaded(t *testing.T) {
	r := newTestRouter()

	busy := healthyEndpoint("busy")
	busy.Resources.CPUUtil = 0.9
	quiet := healthyEndpoint("quiet")
	quiet.Resources.CPUUtil = 0.1

	d := r.Route(&protocol.Task{Complexity: protocol.TierStandard}, []Endpoint{busy, quiet})
	if d.Endpoint != "quiet" {
		t.Errorf("endpoint = %q, want quiet", d.Endpoint)
	}
	if d.Candidates != 2 {
		t.Errorf("candidates = %d, want 2", d.Candidates)
	}
}

func TestRouteCapacityFactor(t *testing.T) {
	r := newTestRouter()

	small := healthyEndpoint("small")
	small.Resources = Resources{CPUUtil: 0.5, TotalMemGB: 8}
	big := healthyEndpoint("big")
	big.Resources = Resources{CPUUtil: 0.5, TotalMemGB: 64}

	d := r.Route(&protocol.Task{Complexity: protocol.TierStandard}, []Endpoint{small, big})
	if d.Endpoint != "big" {
		t.Errorf("endpoint = %q, want big", d.Endpoint)
	}

	// The capacity factor caps out, so a modest load edge on the smaller
	// box still wins against an enormous one.
	small.Resources = Resources{CPUUtil: 0.2, TotalMemGB: 24}
	big.Resources = Resources{CPUUtil: 0.5, TotalMemGB: 512}
	d = r.Route(&protocol.Task{Complexity: protocol.TierStandard}, []Endpoint{small, big})
	if d.Endpoint != "small" {
		t.Errorf("endpoint = %q, want small (capacity capped)", d.Endpoint)
	}
}

func TestRouteWarmModelBonus(t *testing.T) {
	r := newTestRouter()

	cold := healthyEndpoint("cold")
	warm := healthyEndpoint("warm")
	warm.Loaded = []string{"llama3"}

	// Identical resources; the warm bonus breaks the tie in favor of the
	// endpoint that already has the preferred model in memory.
	d := r.Route(&protocol.Task{Complexity: protocol.TierStandard, Model: "llama3"},
		[]Endpoint{cold, warm})
	if d.Endpoint != "warm" {
		t.Errorf("endpoint = %q, want warm", d.Endpoint)
	}

	// Without a preferred model the bonus never applies and the tie goes to
	// declaration order.
	d = r.Route(&protocol.Task{Complexity: protocol.TierStandard}, []Endpoint{cold, warm})
	if d.Endpoint != "cold" {
		t.Errorf("endpoint = %q, want cold (declaration order)", d.Endpoint)
	}
}

func TestRouteWorkspaceAffinity(t *testing.T) {
	r := newTestRouter()

	plain := healthyEndpoint("plain")
	affine := healthyEndpoint("affine")
	affine.Workspaces = []string{"repo-a"}

	d := r.Route(&protocol.Task{Complexity: protocol.TierStandard, Workspace: "repo-a"},
		[]Endpoint{plain, affine})
	if d.Endpoint != "affine" {
		t.Errorf("endpoint = %q, want affine", d.Endpoint)
	}
}

func TestRouteTieKeepsDeclarationOrder(t *testing.T) {
	r := newTestRouter()

	a := healthyEndpoint("a")
	b := healthyEndpoint("b")

	for i := 0; i < 5; i++ {
		d := r.Route(&protocol.Task{Complexity: protocol.TierStandard}, []Endpoint{a, b})
		if d.Endpoint != "a" {
			t.Fatalf("tie broke to %q, want first-declared a", d.Endpoint)
		}
	}
}

func TestScoreUnknownMetricsNeutral(t *testing.T) {
	r := newTestRouter()
	task := &protocol.Task{Complexity: protocol.TierStandard}

	unknown := Endpoint{Name: "unknown", Healthy: true, Models: []string{"m"},
		Resources: Resources{CPUUtil: -1}}
	if got := r.score(task, unknown); got != 0.5 {
		t.Errorf("score with unknown metrics = %v, want 0.5", got)
	}

	// Over-reported utilization clamps rather than going negative.
	pegged := Endpoint{Name: "pegged", Healthy: true, Models: []string{"m"},
		Resources: Resources{CPUUtil: 1.7}}
	if got := r.score(task, pegged); got != 0 {
		t.Errorf("score with clamped utilization = %v, want 0", got)
	}
}

func TestRouteDecisionTimestamp(t *testing.T) {
	r := newTestRouter()
	d := r.Route(&protocol.Task{Complexity: protocol.TierTrivial}, nil)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !d.DecidedAt.Equal(want) {
		t.Errorf("decided_at = %v, want %v", d.DecidedAt, want)
	}
}
