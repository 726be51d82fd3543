package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/npc-trainer/internal/core/domain"
	"github.com/tjfontaine/npc-trainer/internal/orchestrator"
)

type startSessionRequest struct {
	SessionID  string `json:"session_id" validate:"omitempty,max=128"`
	UserID     string `json:"user_id" validate:"required,max=128"`
	TenantID   string `json:"tenant_id" validate:"omitempty,max=128"`
	ScenarioID string `json:"scenario_id" validate:"omitempty,max=128"`
	PersonaID  string `json:"persona_id" validate:"omitempty,max=128"`
	Stage      string `json:"stage" validate:"omitempty,max=64"`
}

type submitTurnRequest struct {
	Content string `json:"content" validate:"required"`
}

type errorBody struct {
	Type    domain.ErrorType `json:"type"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
	// TurnResult is set when a turn ran but could not be persisted.
	TurnResult *domain.TurnResult `json:"turn_result,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ack, err := s.sessions.StartSession(r.Context(), orchestrator.StartParams{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		ScenarioID: req.ScenarioID,
		PersonaID:  req.PersonaID,
		Stage:      req.Stage,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "session_id", ack.SessionID)
	writeJSON(w, http.StatusCreated, ack)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)

	ack, err := s.sessions.Resume(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)

	var req submitTurnRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.sessions.SubmitTurn(r.Context(), id, req.Content)
	if res != nil {
		AddLogField(r.Context(), "turn_id", strconv.FormatInt(res.TurnID, 10))
	}
	if err != nil {
		writeErrorWithTurn(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "session_id", id)

	if err := s.sessions.CloseSession(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Budget(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSnapshotStats(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, r, domain.NewTrainerError(domain.ErrorTypeNotFound, "", "snapshot stats are not available"))
		return
	}
	stats, err := s.snapshots.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a size-limited JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return invalidRequest(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		}
		return invalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if err := s.validate.Struct(v); err != nil {
		return invalidRequest(err.Error())
	}
	return nil
}

func invalidRequest(msg string) *domain.TrainerError {
	return domain.NewTrainerError(domain.ErrorTypeInvalidRequest, "", msg)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithTurn(w, r, err, nil)
}

func writeErrorWithTurn(w http.ResponseWriter, r *http.Request, err error, res *domain.TurnResult) {
	AddError(r.Context(), err)

	if timedOut(r.Context()) && errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewTrainerError(domain.ErrorTypeUnavailable, "", errRequestTimeout.Error())
	}
	te := domain.AsTrainerError(err)
	writeJSON(w, te.HTTPStatusCode(), errorResponse{
		Error: errorBody{
			Type:    te.Type,
			Code:    te.Code,
			Message: te.Message,
		},
		TurnResult: res,
	})
}
