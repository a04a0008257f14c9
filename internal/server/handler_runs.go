package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/casni/casni/internal/pipeline"
	"github.com/casni/casni/internal/storage"
	"github.com/casni/casni/pkg/model"
)

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	var fields []model.FieldError
	if req.PipelineID == "" {
		fields = append(fields, model.FieldError{Field: "pipeline_id", Message: "pipeline_id is required"})
	}
	if req.Dataset.Root == "" {
		fields = append(fields, model.FieldError{Field: "dataset.root", Message: "dataset root is required"})
	}
	for i, u := range req.Dataset.Units {
		if u.Subject == "" {
			fields = append(fields, model.FieldError{
				Field:   "dataset.units",
				Message: "unit " + strconv.Itoa(i) + " has no subject",
			})
		}
	}
	if len(fields) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid run request", fields...))
		return
	}

	p, err := s.store.GetPipeline(r.Context(), req.PipelineID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if p == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("pipeline", req.PipelineID))
		return
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:           "run_" + uuid.New().String(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		State:        model.RunPending,
		Dataset:      req.Dataset,
		CreatedAt:    now,
	}

	layout := storage.NewProjectLayout(req.Dataset.Root)
	instances, err := pipeline.Instantiate(p, run.ID, &req.Dataset, layout, now)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: err.Error(),
		})
		return
	}

	if err := s.store.CreateRun(r.Context(), run); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	for _, inst := range instances {
		if err := s.store.CreateInstance(r.Context(), inst); err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				&model.APIError{Code: model.ErrInternal, Message: err.Error()})
			return
		}
	}

	s.logger.Info("run submitted",
		"run_id", run.ID, "pipeline_id", p.ID, "instances", len(instances))

	// Re-read to include instances in the response.
	full, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondCreated(w, reqID, full)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	if state := r.URL.Query().Get("state"); state != "" {
		opts.State = state
	}
	if pid := r.URL.Query().Get("pipeline_id"); pid != "" {
		opts.PipelineID = pid
	}

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}

	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

// handleCancelRun flags the run for cooperative cancellation. The
// scheduler applies it on its next tick; the response reflects the flag,
// not the final state.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	applied, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if !applied {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "cannot cancel run in state " + string(run.State),
		})
		return
	}

	run.CancelRequested = true
	s.logger.Info("run cancel requested", "run_id", id)
	respondOK(w, reqID, run)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	instances, err := s.store.ListInstancesByRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, instances)
}

func (s *Server) getRunInstance(w http.ResponseWriter, r *http.Request, reqID string) *model.StageInstance {
	runID := chi.URLParam(r, "id")
	iid := chi.URLParam(r, "iid")

	inst, err := s.store.GetInstance(r.Context(), iid)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.ErrInternal, Message: err.Error()})
		return nil
	}
	if inst == nil || inst.RunID != runID {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("instance", iid))
		return nil
	}
	return inst
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if inst := s.getRunInstance(w, r, reqID); inst != nil {
		respondOK(w, reqID, inst)
	}
}

func (s *Server) handleGetInstanceLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	inst := s.getRunInstance(w, r, reqID)
	if inst == nil {
		return
	}

	respondOK(w, reqID, map[string]any{
		"instance_id": inst.ID,
		"stage_id":    inst.StageID,
		"state":       inst.State,
		"attempt":     inst.Attempt,
		"exit_code":   inst.ExitCode,
		"reason":      inst.Reason,
		"stdout":      inst.Stdout,
		"stderr":      inst.Stderr,
	})
}
