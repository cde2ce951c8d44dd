package models

import "time"

// GlobalConfig is the singleton administrator-controlled configuration
type GlobalConfig struct {
	AdminIdentity             string    `json:"admin_identity"`
	RewardCollaboratorAddress string    `json:"reward_collaborator_address,omitempty"`
	MintingEnabled            bool      `json:"minting_enabled"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Linked reports whether a reward collaborator address is configured
func (c *GlobalConfig) Linked() bool {
	return c.RewardCollaboratorAddress != ""
}

// CanMint reports whether milestone tokens should be minted right now
func (c *GlobalConfig) CanMint() bool {
	return c.MintingEnabled && c.Linked()
}
