package models

// SolveLevelRequest submits a passcode for the caller's current level
type SolveLevelRequest struct {
	Passcode string `json:"passcode" validate:"max=256"`
}

// DiscoverSecretRequest submits a free-form secret phrase
type DiscoverSecretRequest struct {
	Phrase string `json:"phrase" validate:"max=256"`
}

// ResetRequest asks for the blue pill. Confirmed must be true to take effect.
type ResetRequest struct {
	Confirmed bool `json:"confirmed"`
}

// LinkCollaboratorRequest links the reward minting collaborator
type LinkCollaboratorRequest struct {
	Address string `json:"address" validate:"required,url"`
}

// SetMintingRequest toggles milestone minting
type SetMintingRequest struct {
	Enabled bool `json:"enabled"`
}

// SolveLevelResponse is returned after a successful passcode submission
type SolveLevelResponse struct {
	Progress         ProgressView `json:"progress"`
	MilestoneReached bool         `json:"milestone_reached"`
	Mint             MintStatus   `json:"mint,omitempty"`
	MintFailure      string       `json:"mint_failure,omitempty"`
}

// DiscoverSecretResponse is returned after a new secret is discovered
type DiscoverSecretResponse struct {
	SecretID      string `json:"secret_id"`
	Reward        string `json:"reward,omitempty"`
	RewardFailure string `json:"reward_failure,omitempty"`
}
