// Package levels holds the ordered, publish-once level registry and the
// configured secret phrases.
package levels

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/verifier"
)

var (
	ErrLevelNotFound    = errors.New("level not found")
	ErrAlreadyPublished = errors.New("level registry already published")
	ErrInvalidManifest  = errors.New("invalid level manifest")
)

// Registry is immutable once published
type Registry struct {
	mu        sync.RWMutex
	levels    []models.LevelDefinition
	secrets   []models.SecretDefinition
	published bool
}

// NewRegistry creates an empty, unpublished registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish validates and installs the manifest. It can only succeed once.
func (r *Registry) Publish(m models.Manifest) error {
	if err := Validate(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.published {
		return ErrAlreadyPublished
	}

	r.levels = slices.Clone(m.Levels)
	r.secrets = slices.Clone(m.Secrets)
	r.published = true
	return nil
}

// Published reports whether levels have been installed
func (r *Registry) Published() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.published
}

// Len returns the number of levels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.levels)
}

// DefinitionAt returns the level at index
func (r *Registry) DefinitionAt(index int) (models.LevelDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.levels) {
		return models.LevelDefinition{}, fmt.Errorf("%w: %d", ErrLevelNotFound, index)
	}
	return r.levels[index], nil
}

// Manifest returns a copy of the published levels and secrets
func (r *Registry) Manifest() models.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.Manifest{
		Levels:  slices.Clone(r.levels),
		Secrets: slices.Clone(r.secrets),
	}
}

// MatchSecret finds the secret whose commitment equals the commitment of phrase.
// Every configured secret is compared so timing does not depend on which one matched.
func (r *Registry) MatchSecret(phrase string) (models.SecretDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt := verifier.Commit(phrase)
	var match models.SecretDefinition
	found := false
	for _, s := range r.secrets {
		if verifier.Equal(attempt, s.Commitment) && !found {
			match = s
			found = true
		}
	}
	return match, found
}

// RewardLevel returns the level count at which the first reward-flagged level is
// solved, or 0 when no level carries the reward flag.
func (r *Registry) RewardLevel() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.levels {
		if l.Reward {
			return l.Index + 1
		}
	}
	return 0
}

// Validate checks manifest ordering and uniqueness rules
func Validate(m models.Manifest) error {
	if len(m.Levels) == 0 {
		return fmt.Errorf("%w: at least one level is required", ErrInvalidManifest)
	}

	for i, l := range m.Levels {
		if l.Index != i {
			return fmt.Errorf("%w: level at position %d has index %d", ErrInvalidManifest, i, l.Index)
		}
		if l.DisplayName == "" {
			return fmt.Errorf("%w: level %d has no name", ErrInvalidManifest, i)
		}
		if l.PasscodeCommitment.IsZero() {
			return fmt.Errorf("%w: level %d has no commitment", ErrInvalidManifest, i)
		}
	}

	ids := make(map[string]bool, len(m.Secrets))
	commitments := make(map[verifier.Commitment]bool, len(m.Secrets))
	for _, s := range m.Secrets {
		if s.ID == "" {
			return fmt.Errorf("%w: secret without id", ErrInvalidManifest)
		}
		if s.Commitment.IsZero() {
			return fmt.Errorf("%w: secret %q has no commitment", ErrInvalidManifest, s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate secret id %q", ErrInvalidManifest, s.ID)
		}
		if commitments[s.Commitment] {
			return fmt.Errorf("%w: duplicate commitment for secret %q", ErrInvalidManifest, s.ID)
		}
		ids[s.ID] = true
		commitments[s.Commitment] = true
	}

	return nil
}
