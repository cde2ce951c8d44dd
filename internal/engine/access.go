package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/metrics"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/storage"
)

// requireAdmin fails with ErrUnauthorized unless caller is the administrator
func requireAdmin(gc *models.GlobalConfig, caller string) error {
	if gc == nil || gc.AdminIdentity == "" || caller != gc.AdminIdentity {
		return ErrUnauthorized
	}
	return nil
}

func adminCaller(caller string) (string, error) {
	id, err := NormalizeIdentity(caller)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}

// GetConfig returns the current global config
func (e *Engine) GetConfig(ctx context.Context) (*models.GlobalConfig, error) {
	return e.repo.GetConfig(ctx)
}

// LinkRewardCollaborator sets the minting collaborator address. Re-linking is
// allowed and logged with the previous address.
func (e *Engine) LinkRewardCollaborator(ctx context.Context, caller, address string) (*models.GlobalConfig, error) {
	gc, err := e.linkRewardCollaborator(ctx, caller, address)
	metrics.AdminOperations.WithLabelValues("link_collaborator", Code(err)).Inc()
	return gc, err
}

func (e *Engine) linkRewardCollaborator(ctx context.Context, caller, address string) (*models.GlobalConfig, error) {
	id, err := adminCaller(caller)
	if err != nil {
		return nil, err
	}

	var previous string
	gc, err := e.repo.UpdateConfig(ctx, func(c *models.GlobalConfig) error {
		if err := requireAdmin(c, id); err != nil {
			return err
		}
		if err := validateCollaborator(address); err != nil {
			return err
		}
		previous = c.RewardCollaboratorAddress
		c.RewardCollaboratorAddress = address
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			slog.Warn("unauthorized collaborator link attempt", "caller", id)
		}
		return nil, err
	}

	if previous != "" && previous != address {
		slog.Warn("reward collaborator relinked", "previous", previous, "address", address, "caller", id)
	} else {
		slog.Info("reward collaborator linked", "address", address, "caller", id)
	}
	return gc, nil
}

func validateCollaborator(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidCollaborator)
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidCollaborator, address)
	}
	return nil
}

// SetMintingEnabled toggles milestone minting. Enabling requires a linked collaborator.
func (e *Engine) SetMintingEnabled(ctx context.Context, caller string, enabled bool) (*models.GlobalConfig, error) {
	gc, err := e.setMintingEnabled(ctx, caller, enabled)
	metrics.AdminOperations.WithLabelValues("set_minting", Code(err)).Inc()
	return gc, err
}

func (e *Engine) setMintingEnabled(ctx context.Context, caller string, enabled bool) (*models.GlobalConfig, error) {
	id, err := adminCaller(caller)
	if err != nil {
		return nil, err
	}

	gc, err := e.repo.UpdateConfig(ctx, func(c *models.GlobalConfig) error {
		if err := requireAdmin(c, id); err != nil {
			return err
		}
		if enabled && !c.Linked() {
			return fmt.Errorf("%w: reward collaborator not linked", ErrNotConfigured)
		}
		c.MintingEnabled = enabled
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			slog.Warn("unauthorized minting toggle attempt", "caller", id)
		}
		return nil, err
	}

	slog.Info("minting toggled", "enabled", enabled, "caller", id)
	return gc, nil
}

// PublishLevels installs the level manifest. It succeeds once per deployment.
func (e *Engine) PublishLevels(ctx context.Context, caller string, m models.Manifest) error {
	err := e.publishLevels(ctx, caller, m)
	metrics.AdminOperations.WithLabelValues("publish_levels", Code(err)).Inc()
	return err
}

func (e *Engine) publishLevels(ctx context.Context, caller string, m models.Manifest) error {
	id, err := adminCaller(caller)
	if err != nil {
		return err
	}

	gc, err := e.repo.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get global config: %w", err)
	}
	if err := requireAdmin(gc, id); err != nil {
		slog.Warn("unauthorized level publish attempt", "caller", id)
		return err
	}

	if err := e.syncRegistry(ctx); err != nil {
		return err
	}
	if e.registry.Published() {
		return ErrAlreadyPublished
	}
	if err := levels.Validate(m); err != nil {
		return err
	}
	if e.cfg.MilestoneLevel > len(m.Levels) {
		return fmt.Errorf("%w: milestone level %d is beyond the last of %d levels",
			ErrInvalidManifest, e.cfg.MilestoneLevel, len(m.Levels))
	}

	if err := e.repo.SaveManifest(ctx, m); err != nil {
		if errors.Is(err, storage.ErrManifestExists) {
			// Another replica published first, serve its manifest
			if err := e.syncRegistry(ctx); err != nil {
				return err
			}
			return ErrAlreadyPublished
		}
		return fmt.Errorf("failed to save manifest: %w", err)
	}

	// A concurrent sync may already have installed what was just saved
	if err := e.registry.Publish(m); err != nil && !errors.Is(err, ErrAlreadyPublished) {
		return err
	}

	slog.Info("level registry published", "levels", len(m.Levels), "secrets", len(m.Secrets), "caller", id)
	return nil
}
