package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vpatelsj/layoutapply/internal/apperr"
	"github.com/vpatelsj/layoutapply/internal/lifecycle"
	"github.com/vpatelsj/layoutapply/internal/model"
	"github.com/vpatelsj/layoutapply/internal/store"
)

// server exposes the Lifecycle Orchestrator and Apply-State Store over a
// plain JSON/HTTP surface, generalizing the teacher's gRPC machineServer /
// operationServer service pair (cmd/bmdemo-server/main.go) to net/http
// handlers now that the teacher's gRPC/protobuf generated package is absent
// from the retrieved pack (see DESIGN.md's dropped-dependency justification)
// and SPEC_FULL.md's external interfaces are plain HTTP/JSON throughout.
type server struct {
	orch *lifecycle.Orchestrator
	st   *store.Store
	log  logr.Logger
}

func newMux(s *server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /applies", s.handleCreate)
	mux.HandleFunc("GET /applies", s.handleList)
	mux.HandleFunc("GET /applies/{id}", s.handleGet)
	mux.HandleFunc("DELETE /applies/{id}", s.handleDelete)
	mux.HandleFunc("POST /applies/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /applies/{id}/resume", s.handleResume)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var plan model.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, apperr.New(apperr.CodeValidation, "invalid plan body: "+err.Error()))
		return
	}

	// StartApply runs plan.Validate() before registering the plan, rejecting
	// an unknown operation, missing target field, or cyclic/dangling/self-loop
	// dependency with apperr.CodeValidation.
	applyID, err := s.orch.StartApply(r.Context(), plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"applyID": applyID})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.st.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	var fields []string
	if raw := r.URL.Query().Get("fields"); raw != "" {
		fields = strings.Split(raw, ",")
	}
	recs, total, err := s.st.List(r.Context(), store.ListFilter{Fields: fields})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": total})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rollback bool `json:"rollback"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cur, err := s.orch.CancelApply(r.Context(), r.PathValue("id"), body.Rollback)
	if err != nil && !errors.Is(err, apperr.ErrProcessMissing) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	cur, err := s.orch.ResumeApply(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, ok := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	if ok {
		switch code {
		case apperr.CodeValidation:
			status = http.StatusBadRequest
		case apperr.CodeApplyNotFound:
			status = http.StatusNotFound
		case apperr.CodeAlreadyRunning, apperr.CodeAlreadyExecuted, apperr.CodeDeleteConflict, apperr.CodeSuspendedDataExists:
			status = http.StatusConflict
		case apperr.CodeStoreUnavailable:
			status = http.StatusServiceUnavailable
		}
	} else {
		code = apperr.CodeQueryFailed
	}
	writeJSON(w, status, map[string]string{"code": string(code), "message": err.Error()})
}
