package api

import (
	"io"
	"net/http"

	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/models"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	gc, err := s.engine.GetConfig(r.Context())
	if err != nil {
		respondEngineError(w, err, "failed to get config")
		return
	}

	respondJSON(w, http.StatusOK, gc)
}

func (s *Server) handleLinkCollaborator(w http.ResponseWriter, r *http.Request) {
	var req models.LinkCollaboratorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	gc, err := s.engine.LinkRewardCollaborator(r.Context(), IdentityFromContext(r.Context()), req.Address)
	if err != nil {
		respondEngineError(w, err, "failed to link collaborator")
		return
	}

	respondJSON(w, http.StatusOK, gc)
}

func (s *Server) handleSetMinting(w http.ResponseWriter, r *http.Request) {
	var req models.SetMintingRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	gc, err := s.engine.SetMintingEnabled(r.Context(), IdentityFromContext(r.Context()), req.Enabled)
	if err != nil {
		respondEngineError(w, err, "failed to set minting")
		return
	}

	respondJSON(w, http.StatusOK, gc)
}

// handlePublishLevels accepts the manifest as JSON or YAML
func (s *Server) handlePublishLevels(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	manifest, err := levels.Parse(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_manifest", err.Error())
		return
	}

	if err := s.engine.PublishLevels(r.Context(), IdentityFromContext(r.Context()), manifest); err != nil {
		respondEngineError(w, err, "failed to publish levels")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int{
		"levels":  len(manifest.Levels),
		"secrets": len(manifest.Secrets),
	})
}
