package protocol //nolint:testpackage // white-box tests for protocol helpers

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTierEffective(t *testing.T) {
	tests := []struct {
		in   Tier
		want Tier
	}{
		{TierTrivial, TierTrivial},
		{TierStandard, TierStandard},
		{TierComplex, TierComplex},
		{TierUnknown, TierStandard},
		{"", TierStandard},
	}
	for _, tt := range tests {
		if got := tt.in.Effective(); got != tt.want {
			t.Errorf("Effective(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierValid(t *testing.T) {
	for _, tier := range []Tier{TierTrivial, TierStandard, TierComplex, TierUnknown} {
		if !tier.Valid() {
			t.Errorf("Valid(%q) = false, want true", tier)
		}
	}
	for _, tier := range []Tier{"", "galactic"} {
		if tier.Valid() {
			t.Errorf("Valid(%q) = true, want false", tier)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
		live     bool
	}{
		{TaskQueued, false, false},
		{TaskAssigned, false, true},
		{TaskWorking, false, true},
		{TaskCompleted, true, false},
		{TaskFailed, false, false},
		{TaskDeadLetter, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Live(); got != tt.live {
			t.Errorf("Live(%s) = %v, want %v", tt.status, got, tt.live)
		}
	}
}

func TestMessageEnvelope(t *testing.T) {
	msg := Message{Type: MsgAssign, Assign: &AssignPayload{
		TaskID: "t1", Generation: 2, Description: "do it",
	}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != MsgAssign || got.Assign == nil || got.Assign.Generation != 2 {
		t.Fatalf("round trip: %+v", got)
	}
	// Only the one payload rides the envelope.
	if got.Hello != nil || got.Completed != nil || got.ACK != nil {
		t.Fatalf("extra payloads: %+v", got)
	}
}

func TestTypedErrors(t *testing.T) {
	var notFound *TaskNotFoundError
	err := error(&TaskNotFoundError{TaskID: "t1"})
	if !errors.As(err, &notFound) || notFound.TaskID != "t1" {
		t.Errorf("TaskNotFoundError: %v", err)
	}

	var unreachable *AgentUnreachableError
	err = error(&AgentUnreachableError{AgentID: "a1", Reason: "gone"})
	if !errors.As(err, &unreachable) {
		t.Errorf("AgentUnreachableError: %v", err)
	}
	if unreachable.Error() == "" {
		t.Error("empty error string")
	}
}
