package domain

import "testing"

func TestFinishReason_Unified(t *testing.T) {
	tests := []struct {
		reason *FinishReason
		want   string
	}{
		{Finish(FinishStop), "stop"},
		{Finish(FinishStopSequence), "stop"},
		{Finish(FinishToolCalls), "tool-calls"},
		{OtherFinish("pause_turn"), "other"},
		{nil, "unknown"},
	}

	for _, tt := range tests {
		if got := tt.reason.Unified(); got != tt.want {
			t.Errorf("Unified(%v) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
