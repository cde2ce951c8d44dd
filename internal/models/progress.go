package models

import (
	"slices"
	"time"
)

// MintStatus records what happened to the milestone token once a user became eligible
type MintStatus string

const (
	MintNone    MintStatus = ""        // Milestone not reached
	MintPending MintStatus = "pending" // Milestone committed, mint outcome not yet recorded
	MintMinted  MintStatus = "minted"  // Collaborator accepted the mint
	MintFailed  MintStatus = "failed"  // Collaborator rejected or was unreachable, retryable
	MintSkipped MintStatus = "skipped" // Minting disabled or unlinked when reached, never replayed
)

// UserProgress is the per-identity progression record
type UserProgress struct {
	Identity             string     `json:"identity"`
	CurrentLevel         int        `json:"current_level"`
	DiscoveredSecrets    []string   `json:"discovered_secrets"`
	MilestoneTokenIssued bool       `json:"milestone_token_issued"`
	MintStatus           MintStatus `json:"mint_status,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// NewUserProgress returns the initial record for an identity
func NewUserProgress(identity string) *UserProgress {
	now := time.Now().UTC()
	return &UserProgress{
		Identity:          identity,
		DiscoveredSecrets: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// HasSecret reports whether secretID was already discovered
func (p *UserProgress) HasSecret(secretID string) bool {
	return slices.Contains(p.DiscoveredSecrets, secretID)
}

// AddSecret inserts secretID keeping the set sorted. Returns false if already present.
func (p *UserProgress) AddSecret(secretID string) bool {
	i, found := slices.BinarySearch(p.DiscoveredSecrets, secretID)
	if found {
		return false
	}
	p.DiscoveredSecrets = slices.Insert(p.DiscoveredSecrets, i, secretID)
	return true
}

// Clone returns a deep copy
func (p *UserProgress) Clone() *UserProgress {
	c := *p
	c.DiscoveredSecrets = slices.Clone(p.DiscoveredSecrets)
	if c.DiscoveredSecrets == nil {
		c.DiscoveredSecrets = []string{}
	}
	return &c
}

// ProgressView is the published read surface. Name and hint always describe the
// current, not yet solved level.
type ProgressView struct {
	Identity                string `json:"identity"`
	CurrentLevel            int    `json:"current_level"`
	CurrentLevelDisplayName string `json:"current_level_name,omitempty"`
	CurrentLevelHint        string `json:"current_level_hint,omitempty"`
	MilestoneTokenIssued    bool   `json:"milestone_token_issued"`
	Completed               bool   `json:"completed"`
	TotalLevels             int    `json:"total_levels"`
}
