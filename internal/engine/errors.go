package engine

import (
	"errors"

	"github.com/terra-clan/matrix-engine/internal/levels"
)

// Error kinds returned by the engine. Callers classify with errors.Is.
var (
	ErrIncorrectPasscode    = errors.New("incorrect passcode")
	ErrAlreadyCompleted     = errors.New("all levels already completed")
	ErrNotConfigured        = errors.New("not configured")
	ErrUnknownSecret        = errors.New("unknown secret")
	ErrAlreadyDiscovered    = errors.New("secret already discovered")
	ErrNotEligible          = errors.New("not eligible for reset")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidIdentity      = errors.New("invalid identity")
	ErrInvalidCollaborator  = errors.New("invalid reward collaborator address")
	ErrAlreadyPublished     = levels.ErrAlreadyPublished
	ErrInvalidManifest      = levels.ErrInvalidManifest

	// ErrMintCollaboratorFailure is non-fatal: it is attached to an otherwise
	// committed level transition and never rolls it back.
	ErrMintCollaboratorFailure = errors.New("mint collaborator failure")
)

// Code returns a stable snake_case code for err, used in API responses and metric labels
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIncorrectPasscode):
		return "incorrect_passcode"
	case errors.Is(err, ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrUnknownSecret):
		return "unknown_secret"
	case errors.Is(err, ErrAlreadyDiscovered):
		return "already_discovered"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, ErrInvalidCollaborator):
		return "invalid_collaborator"
	case errors.Is(err, ErrAlreadyPublished):
		return "already_published"
	case errors.Is(err, ErrInvalidManifest):
		return "invalid_manifest"
	case errors.Is(err, ErrMintCollaboratorFailure):
		return "mint_collaborator_failure"
	default:
		return "internal_error"
	}
}
