package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	orchestratorx "github.com/tanpawarit/chative-pharmacy-agent/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/chative-pharmacy-agent/agent/contract"
	storex "github.com/tanpawarit/chative-pharmacy-agent/agent/store"
)

type messageRequest struct {
	Message  string `json:"message" validate:"required,max=4000"`
	Language string `json:"language" validate:"max=32"`
}

type errorResponse struct {
	Error  string           `json:"error"`
	Reason contractx.Reason `json:"reason,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, HeaderCallerID, contractx.AudiencePatient)
}

func (s *Server) pharmacistQuery(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, HeaderOperatorID, contractx.AudienceOperator)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, header string, audience contractx.Audience) {
	callerID := strings.TrimSpace(r.Header.Get(header))
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, header+" header is required", "")
		return
	}

	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}

	outcome, err := s.dispatcher.Handle(r.Context(), callerID, audience, req.Message, req.Language)
	if err != nil {
		if errors.Is(err, orchestratorx.ErrInvalidMessage) ||
			errors.Is(err, orchestratorx.ErrInvalidCaller) ||
			errors.Is(err, orchestratorx.ErrInvalidAudience) {
			writeError(w, http.StatusBadRequest, err.Error(), contractx.ReasonInvalidArguments)
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("caller_id", callerID).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "request could not be processed", contractx.ReasonInvariantViolation)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// refillAlerts lists alerts for the calling patient. Operators may name any
// patient with user_id, or omit it to list every patient's alerts.
func (s *Server) refillAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	operatorID := strings.TrimSpace(r.Header.Get(HeaderOperatorID))
	callerID := strings.TrimSpace(r.Header.Get(HeaderCallerID))
	userID := strings.TrimSpace(q.Get("user_id"))

	if operatorID == "" && callerID == "" {
		writeError(w, http.StatusUnauthorized, HeaderCallerID+" or "+HeaderOperatorID+" header is required", "")
		return
	}

	status := storex.AlertStatus(strings.TrimSpace(q.Get("status")))
	switch status {
	case "":
		status = storex.AlertPending
	case storex.AlertPending, storex.AlertAcknowledged:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or acknowledged", contractx.ReasonInvalidArguments)
		return
	}

	subject := userID
	if operatorID == "" {
		if userID != "" && userID != callerID {
			writeError(w, http.StatusForbidden, "cannot read another patient's alerts", contractx.ReasonScopeViolation)
			return
		}
		subject = callerID
	}

	patientID := ""
	if subject != "" {
		id, err := s.resolver.Resolve(r.Context(), subject)
		if err != nil {
			reason := contractx.ReasonOf(err)
			code := http.StatusServiceUnavailable
			if reason == contractx.ReasonPatientNotFound {
				code = http.StatusNotFound
			}
			writeError(w, code, "patient not found", reason)
			return
		}
		patientID = id
	}

	alerts, err := s.alerts.Alerts(r.Context(), patientID, status)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("list refill alerts failed")
		writeError(w, http.StatusServiceUnavailable, "refill alerts are temporarily unavailable", contractx.ReasonCollaboratorFailure)
		return
	}
	if alerts == nil {
		alerts = []storex.RefillAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", contractx.ReasonInvalidArguments)
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), contractx.ReasonInvalidArguments)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, reason contractx.Reason) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}
