package model

import (
	"fmt"

	"github.com/vpatelsj/layoutapply/internal/apperr"
)

// Validate checks plan against the input-parsing validation rules (spec §3,
// §7): unknown operation, missing required target field, empty deviceID,
// non-positive or duplicate operationID, and cyclic/dangling/self-loop
// dependencies. It must run before the plan is ever handed to the store, so
// a malformed plan is rejected with apperr.CodeValidation instead of being
// registered and then deadlocking the scheduler (no node in a cycle, and no
// node depending on an undefined or self ID, can ever become ready).
func (p Plan) Validate() error {
	seen := make(map[int]Procedure, len(p.Procedures))
	for _, proc := range p.Procedures {
		if proc.OperationID <= 0 {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d must be a positive integer", proc.OperationID))
		}
		if _, dup := seen[proc.OperationID]; dup {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("duplicate operationID %d", proc.OperationID))
		}
		seen[proc.OperationID] = proc

		if !proc.Operation.Valid() {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: unknown operation %q", proc.OperationID, proc.Operation))
		}
		if err := proc.validateTargetFields(); err != nil {
			return err
		}
	}

	for _, proc := range p.Procedures {
		for _, dep := range proc.Dependencies {
			if dep == proc.OperationID {
				return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: self-loop dependency forbidden", proc.OperationID))
			}
			if _, ok := seen[dep]; !ok {
				return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: dangling dependency on undefined operationID %d", proc.OperationID, dep))
			}
		}
	}

	if cycleID, ok := findCycle(p.Procedures); ok {
		return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: participates in a cyclic dependency", cycleID))
	}

	return nil
}

func (p Procedure) validateTargetFields() error {
	switch p.Operation {
	case OpBoot, OpShutdown:
		if p.TargetDeviceID == "" {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: %s requires a non-empty targetDeviceID", p.OperationID, p.Operation))
		}
	case OpConnect, OpDisconnect:
		if p.TargetDeviceID == "" {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: %s requires a non-empty targetDeviceID", p.OperationID, p.Operation))
		}
		if p.TargetCPUID == "" {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: %s requires a non-empty targetCPUID", p.OperationID, p.Operation))
		}
	case OpStart, OpStop:
		if p.TargetCPUID == "" {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: %s requires a non-empty targetCPUID", p.OperationID, p.Operation))
		}
		if p.TargetServiceID == "" {
			return apperr.New(apperr.CodeValidation, fmt.Sprintf("operationID %d: %s requires a non-empty targetServiceID", p.OperationID, p.Operation))
		}
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph (edge u -> v
// for each v in u.Dependencies) and returns one operationID on a cycle, if
// any exists.
func findCycle(procedures []Procedure) (int, bool) {
	byID := make(map[int]Procedure, len(procedures))
	for _, p := range procedures {
		byID[p.OperationID] = p
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(procedures))

	var visit func(id int) (int, bool)
	visit = func(id int) (int, bool) {
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				return dep, true
			case white:
				if cycleID, found := visit(dep); found {
					return cycleID, found
				}
			}
		}
		color[id] = black
		return 0, false
	}

	for _, p := range procedures {
		if color[p.OperationID] == white {
			if cycleID, found := visit(p.OperationID); found {
				return cycleID, true
			}
		}
	}
	return 0, false
}
