// Package synth derives rollback and resume plans from a completed (or
// partially completed) plan and its result list. Both synthesizers are pure
// functions over model.Procedure/model.Detail slices; the algorithms mirror
// the original source's _create_rollback_proc/_create_resume_proc family
// (original_source/src/layoutapply/main.py) re-expressed over Go slices
// instead of Python lists-as-queues.
package synth

import "github.com/vpatelsj/layoutapply/internal/model"

// Rollback derives the inverse DAG over the completed subset of plan,
// following §4.4 of the spec:
//  1. select COMPLETED procedures ("undoables"),
//  2. drop any undoable whose operation has no documented inverse
//     (start/stop - see DESIGN.md),
//  3. invert each remaining procedure's operation,
//  4. reverse edges between two undoables; drop edges touching a procedure
//     outside the undoable set,
//  5. preserve operationIDs.
func Rollback(plan model.Plan, result []model.Detail) model.Plan {
	completed := idsWithStatus(result, model.StatusCompleted)

	undoable := make(map[int]model.Procedure, len(completed))
	order := make([]int, 0, len(completed))
	for _, proc := range plan.Procedures {
		if !completed[proc.OperationID] {
			continue
		}
		if _, ok := model.Invert(proc.Operation); !ok {
			// start/stop: non-invertible, excluded entirely (rule 4 of §4.4
			// then drops every edge that referenced it).
			continue
		}
		undoable[proc.OperationID] = proc.Clone()
		order = append(order, proc.OperationID)
	}

	// Build reversed dependency edges: for every original edge u -> v
	// (v.Dependencies contains u), with both u and v undoable, the rollback
	// procedure for u now depends on the rollback procedure for v.
	reversedDeps := make(map[int][]int, len(undoable))
	for _, proc := range plan.Procedures {
		v, vOK := undoable[proc.OperationID]
		_ = v
		if !vOK {
			continue
		}
		for _, u := range proc.Dependencies {
			if _, uOK := undoable[u]; !uOK {
				continue
			}
			reversedDeps[u] = append(reversedDeps[u], proc.OperationID)
		}
	}

	out := model.Plan{Procedures: make([]model.Procedure, 0, len(order))}
	for _, id := range order {
		proc := undoable[id]
		inverted, _ := model.Invert(proc.Operation)
		proc.Operation = inverted
		proc.Dependencies = reversedDeps[id]
		out.Procedures = append(out.Procedures, proc)
	}
	return out
}

// Resume derives the remaining-work DAG over the failed/skipped subset of
// plan, following §4.4:
//  1. select FAILED or SKIPPED procedures ("leftovers"),
//  2. drop any dependency pointing at a COMPLETED operation,
//  3. preserve operationIDs and operation kinds.
func Resume(plan model.Plan, result []model.Detail) model.Plan {
	leftover := idsWithStatus(result, model.StatusFailed)
	for id := range idsWithStatus(result, model.StatusSkipped) {
		leftover[id] = true
	}
	completed := idsWithStatus(result, model.StatusCompleted)

	out := model.Plan{}
	for _, proc := range plan.Procedures {
		if !leftover[proc.OperationID] {
			continue
		}
		resumeProc := proc.Clone()
		filtered := resumeProc.Dependencies[:0]
		for _, dep := range resumeProc.Dependencies {
			if completed[dep] {
				continue
			}
			filtered = append(filtered, dep)
		}
		resumeProc.Dependencies = filtered
		out.Procedures = append(out.Procedures, resumeProc)
	}
	return out
}

func idsWithStatus(result []model.Detail, status model.Status) map[int]bool {
	ids := make(map[int]bool, len(result))
	for _, d := range result {
		if d.Status == status {
			ids[d.OperationID] = true
		}
	}
	return ids
}
