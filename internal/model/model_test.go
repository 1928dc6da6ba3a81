package model

import "testing"

func TestOperationValid(t *testing.T) {
	tests := []struct {
		op   Operation
		want bool
	}{
		{OpBoot, true},
		{OpShutdown, true},
		{OpConnect, true},
		{OpDisconnect, true},
		{OpStart, true},
		{OpStop, true},
		{Operation("reboot"), false},
		{Operation(""), false},
	}
	for _, tt := range tests {
		if got := tt.op.Valid(); got != tt.want {
			t.Errorf("Operation(%q).Valid() = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestInvert(t *testing.T) {
	tests := []struct {
		op     Operation
		want   Operation
		wantOK bool
	}{
		{OpBoot, OpShutdown, true},
		{OpShutdown, OpBoot, true},
		{OpConnect, OpDisconnect, true},
		{OpDisconnect, OpConnect, true},
		{OpStart, "", false},
		{OpStop, "", false},
	}
	for _, tt := range tests {
		got, ok := Invert(tt.op)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Invert(%q) = (%q, %v), want (%q, %v)", tt.op, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestProcedureDependsOn(t *testing.T) {
	p := Procedure{OperationID: 3, Dependencies: []int{1, 2}}
	if !p.DependsOn(1) || !p.DependsOn(2) {
		t.Fatal("expected DependsOn to find both deps")
	}
	if p.DependsOn(3) {
		t.Fatal("DependsOn should not match its own ID")
	}
}

func TestProcedureCloneIsIndependent(t *testing.T) {
	p := Procedure{OperationID: 1, Dependencies: []int{1, 2}}
	c := p.Clone()
	c.Dependencies[0] = 99
	if p.Dependencies[0] == 99 {
		t.Fatal("Clone shared the backing array with the original")
	}
}

func TestPlanCloneDeepCopies(t *testing.T) {
	plan := Plan{Procedures: []Procedure{{OperationID: 1, Dependencies: []int{}}}}
	clone := plan.Clone()
	clone.Procedures[0].Dependencies = append(clone.Procedures[0].Dependencies, 42)
	if len(plan.Procedures[0].Dependencies) != 0 {
		t.Fatal("Plan.Clone leaked a mutation back into the original")
	}
}

func TestDetailExecuted(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusSkipped, false},
		{StatusCanceled, false},
	}
	for _, tt := range tests {
		d := Detail{Status: tt.status}
		if got := d.Executed(); got != tt.want {
			t.Errorf("Detail{Status: %v}.Executed() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
