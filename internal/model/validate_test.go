package model

import (
	"testing"

	"github.com/vpatelsj/layoutapply/internal/apperr"
)

func validPlan() Plan {
	return Plan{Procedures: []Procedure{
		{OperationID: 1, Operation: OpBoot, TargetDeviceID: "dev-1"},
		{OperationID: 2, Operation: OpConnect, Dependencies: []int{1}, TargetDeviceID: "dev-1", TargetCPUID: "cpu-1"},
		{OperationID: 3, Operation: OpStart, Dependencies: []int{2}, TargetCPUID: "cpu-1", TargetServiceID: "svc-1"},
	}}
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	if err := validPlan().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsUnknownOperation(t *testing.T) {
	p := validPlan()
	p.Procedures[0].Operation = Operation("reboot")
	assertValidationError(t, p)
}

func TestValidateRejectsNonPositiveOperationID(t *testing.T) {
	p := validPlan()
	p.Procedures[0].OperationID = 0
	assertValidationError(t, p)
}

func TestValidateRejectsDuplicateOperationID(t *testing.T) {
	p := validPlan()
	p.Procedures[1].OperationID = 1
	assertValidationError(t, p)
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	p := validPlan()
	p.Procedures[0].Dependencies = []int{1}
	assertValidationError(t, p)
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	p := validPlan()
	p.Procedures[0].Dependencies = []int{99}
	assertValidationError(t, p)
}

func TestValidateRejectsCycle(t *testing.T) {
	p := Plan{Procedures: []Procedure{
		{OperationID: 1, Operation: OpBoot, Dependencies: []int{2}, TargetDeviceID: "dev-1"},
		{OperationID: 2, Operation: OpShutdown, Dependencies: []int{1}, TargetDeviceID: "dev-1"},
	}}
	assertValidationError(t, p)
}

func TestValidateRejectsMissingTargetFields(t *testing.T) {
	tests := []struct {
		name string
		proc Procedure
	}{
		{"boot missing deviceID", Procedure{OperationID: 1, Operation: OpBoot}},
		{"shutdown missing deviceID", Procedure{OperationID: 1, Operation: OpShutdown}},
		{"connect missing deviceID", Procedure{OperationID: 1, Operation: OpConnect, TargetCPUID: "cpu-1"}},
		{"connect missing cpuID", Procedure{OperationID: 1, Operation: OpConnect, TargetDeviceID: "dev-1"}},
		{"disconnect missing deviceID", Procedure{OperationID: 1, Operation: OpDisconnect, TargetCPUID: "cpu-1"}},
		{"start missing cpuID", Procedure{OperationID: 1, Operation: OpStart, TargetServiceID: "svc-1"}},
		{"start missing serviceID", Procedure{OperationID: 1, Operation: OpStart, TargetCPUID: "cpu-1"}},
		{"stop missing serviceID", Procedure{OperationID: 1, Operation: OpStop, TargetCPUID: "cpu-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertValidationError(t, Plan{Procedures: []Procedure{tt.proc}})
		})
	}
}

func assertValidationError(t *testing.T, p Plan) {
	t.Helper()
	err := p.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want a validation error")
	}
	if code, ok := apperr.CodeOf(err); !ok || code != apperr.CodeValidation {
		t.Fatalf("Validate() code = %v, want CodeValidation", code)
	}
}
