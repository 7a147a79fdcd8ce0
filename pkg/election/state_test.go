package election

import (
	"encoding/json"
	"testing"
)

func TestNodeState(t *testing.T) {
	tests := []struct {
		state     NodeState
		name      string
		canUpdate bool
	}{
		{StateOffline, "offline", false},
		{StateReady, "ready", true},
		{StateBackup, "backup", true},
		{StateHost, "host", true},
		{NodeState(42), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.state.CanUpdate(); got != tt.canUpdate {
				t.Errorf("CanUpdate() = %v, want %v", got, tt.canUpdate)
			}
		})
	}
}

func TestNodeHealthJSON(t *testing.T) {
	h := NodeHealth{State: StateBackup, LocalToken: 7, ArbiterToken: 6, LastOnlyHost: true}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"state":"backup","local_token":7,"arbiter_token":6,"last_only_host":true}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var back NodeHealth
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != h {
		t.Errorf("Unmarshal = %+v, want %+v", back, h)
	}

	if err := json.Unmarshal([]byte(`{"state":"leader"}`), &back); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestNodeHealthIsZero(t *testing.T) {
	if !(NodeHealth{}).IsZero() {
		t.Error("empty record should be zero")
	}
	if (NodeHealth{LocalToken: 1}).IsZero() {
		t.Error("record with a token should not be zero")
	}
}
