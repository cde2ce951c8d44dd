// Package engine is the progression engine: it owns per-user progress, enforces
// level ordering and secret matching, gates configuration behind the administrator
// identity and hands milestone and secret rewards to a RewardSink.
//
// All state lives in a storage.Repository; every mutating call is a single
// transaction that either commits fully or leaves state untouched.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/storage"
)

// RewardSink receives reward hooks after the triggering transition committed.
// The engine calls each hook at most once per transition that earned it.
type RewardSink interface {
	// OnMilestoneReached mints the milestone token when minting is enabled and
	// returns the outcome. A failed mint returns MintFailed and an error.
	OnMilestoneReached(ctx context.Context, identity string) (models.MintStatus, error)

	// OnSecretDiscovered issues the per-secret reward
	OnSecretDiscovered(ctx context.Context, identity string, secret models.SecretDefinition) error
}

// Config is the construction-time engine configuration
type Config struct {
	// AdminIdentity seeds the global config on first start. A stored admin wins.
	AdminIdentity string

	// MilestoneLevel is the level count that earns the milestone token.
	// Zero derives it from the first reward-flagged level.
	MilestoneLevel int

	// OfferLevel is the only level at which the blue pill may be taken
	OfferLevel int
}

// Engine implements the progression state machine
type Engine struct {
	cfg      Config
	repo     storage.Repository
	registry *levels.Registry
	sink     RewardSink
}

var identityValidate = validator.New()

// New creates an engine. Call Bootstrap before serving traffic.
func New(cfg Config, repo storage.Repository, registry *levels.Registry, sink RewardSink) *Engine {
	return &Engine{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		sink:     sink,
	}
}

// Bootstrap creates the global config on first start and loads a previously
// published level manifest into the registry.
func (e *Engine) Bootstrap(ctx context.Context) (*models.GlobalConfig, error) {
	admin, err := NormalizeIdentity(e.cfg.AdminIdentity)
	if err != nil {
		return nil, fmt.Errorf("admin identity: %w", err)
	}

	gc, err := e.repo.EnsureConfig(ctx, admin)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize global config: %w", err)
	}
	if gc.AdminIdentity != admin {
		slog.Warn("configured admin identity differs from stored one, stored value is authoritative",
			"configured", admin,
			"stored", gc.AdminIdentity,
		)
	}

	if err := e.syncRegistry(ctx); err != nil {
		return nil, err
	}

	return gc, nil
}

// syncRegistry installs the manifest saved in the ledger when this process has not
// published one yet. Another replica sharing the ledger may have published it.
func (e *Engine) syncRegistry(ctx context.Context) error {
	if e.registry.Published() {
		return nil
	}

	manifest, err := e.repo.LoadManifest(ctx)
	if err != nil {
		return fmt.Errorf("failed to load level manifest: %w", err)
	}
	if manifest == nil {
		return nil
	}

	if err := e.registry.Publish(*manifest); err != nil {
		// Lost a race with a concurrent sync
		if errors.Is(err, levels.ErrAlreadyPublished) {
			return nil
		}
		return fmt.Errorf("failed to install stored level manifest: %w", err)
	}

	slog.Info("level registry restored", "levels", len(manifest.Levels), "secrets", len(manifest.Secrets))
	if e.cfg.MilestoneLevel > len(manifest.Levels) {
		slog.Warn("milestone level is beyond the last level, milestone tokens will never be minted",
			"milestone_level", e.cfg.MilestoneLevel,
			"levels", len(manifest.Levels),
		)
	}
	return nil
}

// requireLevels fails with ErrNotConfigured until a manifest has been published
// by this or any other replica.
func (e *Engine) requireLevels(ctx context.Context) error {
	if err := e.syncRegistry(ctx); err != nil {
		return err
	}
	if !e.registry.Published() {
		return fmt.Errorf("%w: level registry is empty", ErrNotConfigured)
	}
	return nil
}

// Registry exposes the level registry
func (e *Engine) Registry() *levels.Registry {
	return e.registry
}

// MilestoneLevel returns the effective milestone level, 0 when milestones are off
func (e *Engine) MilestoneLevel() int {
	if e.cfg.MilestoneLevel > 0 {
		return e.cfg.MilestoneLevel
	}
	return e.registry.RewardLevel()
}

// OfferLevel returns the level at which reset is offered
func (e *Engine) OfferLevel() int {
	return e.cfg.OfferLevel
}

// Ping checks the underlying ledger
func (e *Engine) Ping(ctx context.Context) error {
	return e.repo.Ping(ctx)
}

// NormalizeIdentity lower-cases and validates a wallet-style caller address
func NormalizeIdentity(identity string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if err := identityValidate.Var(id, "required,eth_addr"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return id, nil
}

// view builds the published read surface. Name and hint describe only the
// current level, so nothing ahead of the caller's progress leaks.
func (e *Engine) view(p *models.UserProgress) models.ProgressView {
	total := e.registry.Len()
	v := models.ProgressView{
		Identity:             p.Identity,
		CurrentLevel:         p.CurrentLevel,
		MilestoneTokenIssued: p.MilestoneTokenIssued,
		TotalLevels:          total,
		Completed:            total > 0 && p.CurrentLevel >= total,
	}

	if def, err := e.registry.DefinitionAt(p.CurrentLevel); err == nil {
		v.CurrentLevelDisplayName = def.DisplayName
		v.CurrentLevelHint = def.Hint
	}
	return v
}
