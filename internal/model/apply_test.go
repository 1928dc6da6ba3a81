package model

import "testing"

func TestApplyStatusTerminal(t *testing.T) {
	tests := []struct {
		status ApplyStatus
		want   bool
	}{
		{ApplyCompleted, true},
		{ApplyFailed, true},
		{ApplyCanceled, true},
		{ApplyInProgress, false},
		{ApplyCanceling, false},
		{ApplySuspended, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%v.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestApplyStatusNonTerminal(t *testing.T) {
	tests := []struct {
		status ApplyStatus
		want   bool
	}{
		{ApplyInProgress, true},
		{ApplyCanceling, true},
		{ApplySuspended, true},
		{ApplyCompleted, false},
		{ApplyFailed, false},
		{ApplyCanceled, false},
	}
	for _, tt := range tests {
		if got := tt.status.NonTerminal(); got != tt.want {
			t.Errorf("%v.NonTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestApplyRecordBlocking(t *testing.T) {
	suspended := ApplySuspended
	completed := ApplyCompleted
	inProgress := ApplyInProgress

	tests := []struct {
		name string
		rec  ApplyRecord
		want bool
	}{
		{"running apply blocks", ApplyRecord{Status: ApplyInProgress}, true},
		{"terminal apply does not block", ApplyRecord{Status: ApplyCompleted}, false},
		{"suspended rollback blocks even with terminal apply", ApplyRecord{Status: ApplyCompleted, RollbackStatus: &suspended}, true},
		{"terminal rollback does not block", ApplyRecord{Status: ApplyCompleted, RollbackStatus: &completed}, false},
		{"in-progress rollback blocks", ApplyRecord{Status: ApplyCompleted, RollbackStatus: &inProgress}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Blocking(); got != tt.want {
				t.Errorf("Blocking() = %v, want %v", got, tt.want)
			}
		})
	}
}
