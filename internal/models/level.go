package models

import (
	"github.com/terra-clan/matrix-engine/internal/verifier"
)

// LevelDefinition is one published level. Only the passcode commitment is kept.
type LevelDefinition struct {
	Index              int                 `yaml:"index" json:"index"`
	DisplayName        string              `yaml:"name" json:"name"`
	PasscodeCommitment verifier.Commitment `yaml:"commitment" json:"commitment"`
	Hint               string              `yaml:"hint" json:"hint"`
	Reward             bool                `yaml:"reward" json:"reward"`
}

// SecretDefinition is a discoverable easter-egg phrase
type SecretDefinition struct {
	ID         string              `yaml:"id" json:"id"`
	Commitment verifier.Commitment `yaml:"commitment" json:"commitment"`
	Reward     string              `yaml:"reward" json:"reward,omitempty"`
}

// Manifest is the setup payload published once by the administrator
type Manifest struct {
	Levels  []LevelDefinition  `yaml:"levels" json:"levels"`
	Secrets []SecretDefinition `yaml:"secrets" json:"secrets"`
}
