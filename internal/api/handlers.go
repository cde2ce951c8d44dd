package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/terra-clan/matrix-engine/internal/engine"
	"github.com/terra-clan/matrix-engine/internal/models"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// statusFor maps engine error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrIncorrectPasscode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrUnknownSecret):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyCompleted),
		errors.Is(err, engine.ErrAlreadyDiscovered),
		errors.Is(err, engine.ErrNotEligible),
		errors.Is(err, engine.ErrAlreadyPublished):
		return http.StatusConflict
	case errors.Is(err, engine.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, engine.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidIdentity),
		errors.Is(err, engine.ErrInvalidCollaborator),
		errors.Is(err, engine.ErrInvalidManifest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError writes err using its stable code. Internal errors are logged
// and replaced by a generic message.
func respondEngineError(w http.ResponseWriter, err error, action string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "action", action, "error", err)
		respondError(w, status, "internal_error", action)
		return
	}
	respondError(w, status, engine.Code(err), err.Error())
}

// decodeRequest decodes a JSON body into dst and validates its tags
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return false
	}
	return true
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, checks := s.checks.Ready(r.Context())
	if !ready {
		slog.Warn("readiness check failed", "checks", checks)
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ready",
		"checks":           checks,
		"levels_published": s.engine.Registry().Published(),
	})
}

// Progress handlers

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.GetProgress(r.Context(), IdentityFromContext(r.Context()))
	if err != nil {
		respondEngineError(w, err, "failed to get progress")
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleSolveLevel(w http.ResponseWriter, r *http.Request) {
	var req models.SolveLevelRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := s.engine.SolveLevel(r.Context(), IdentityFromContext(r.Context()), req.Passcode)
	if err != nil {
		respondEngineError(w, err, "failed to solve level")
		return
	}

	resp := models.SolveLevelResponse{
		Progress:         result.Progress,
		MilestoneReached: result.MilestoneReached,
		Mint:             result.Mint,
	}
	if result.MintFailure != nil {
		resp.MintFailure = engine.Code(result.MintFailure)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscoverSecret(w http.ResponseWriter, r *http.Request) {
	var req models.DiscoverSecretRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := s.engine.DiscoverSecret(r.Context(), IdentityFromContext(r.Context()), req.Phrase)
	if err != nil {
		respondEngineError(w, err, "failed to discover secret")
		return
	}

	resp := models.DiscoverSecretResponse{
		SecretID: result.Secret.ID,
		Reward:   result.Secret.Reward,
	}
	if result.RewardFailure != nil {
		resp.RewardFailure = "reward delivery failed"
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req models.ResetRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	view, err := s.engine.RequestReset(r.Context(), IdentityFromContext(r.Context()), req.Confirmed)
	if err != nil {
		respondEngineError(w, err, "failed to reset progress")
		return
	}

	respondJSON(w, http.StatusOK, view)
}
