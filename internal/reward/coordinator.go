// Package reward issues milestone tokens and secret rewards once the engine has
// committed the transition that earned them.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/terra-clan/matrix-engine/internal/engine"
	"github.com/terra-clan/matrix-engine/internal/events"
	"github.com/terra-clan/matrix-engine/internal/metrics"
	"github.com/terra-clan/matrix-engine/internal/minter"
	"github.com/terra-clan/matrix-engine/internal/models"
)

// ErrMintingUnavailable is returned by RetryMint while minting is disabled or unlinked
var ErrMintingUnavailable = errors.New("minting disabled or collaborator not linked")

// ConfigSource provides the current global config
type ConfigSource interface {
	GetConfig(ctx context.Context) (*models.GlobalConfig, error)
}

// Coordinator implements engine.RewardSink
type Coordinator struct {
	config    ConfigSource
	minter    minter.Minter
	publisher events.Publisher
}

var _ engine.RewardSink = (*Coordinator)(nil)

// NewCoordinator creates a reward coordinator. A nil publisher drops events.
func NewCoordinator(config ConfigSource, m minter.Minter, publisher events.Publisher) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Coordinator{
		config:    config,
		minter:    m,
		publisher: publisher,
	}
}

// OnMilestoneReached mints the milestone token once when minting is enabled and
// linked. Otherwise the milestone is recorded as skipped.
func (c *Coordinator) OnMilestoneReached(ctx context.Context, identity string) (models.MintStatus, error) {
	gc, err := c.config.GetConfig(ctx)
	if err != nil {
		c.record(ctx, identity, models.MintFailed, err)
		return models.MintFailed, fmt.Errorf("%w: failed to read global config: %v", engine.ErrMintCollaboratorFailure, err)
	}

	if !gc.CanMint() {
		slog.Info("milestone reached with minting off, token not minted",
			"identity", identity,
			"minting_enabled", gc.MintingEnabled,
			"linked", gc.Linked(),
		)
		c.record(ctx, identity, models.MintSkipped, nil)
		return models.MintSkipped, nil
	}

	return c.mint(ctx, gc.RewardCollaboratorAddress, identity)
}

// RetryMint repeats a failed mint. It never runs while minting is off, so a
// skipped or disabled milestone is not replayed behind the administrator's back.
func (c *Coordinator) RetryMint(ctx context.Context, identity string) (models.MintStatus, error) {
	gc, err := c.config.GetConfig(ctx)
	if err != nil {
		return models.MintFailed, fmt.Errorf("failed to read global config: %w", err)
	}
	if !gc.CanMint() {
		return models.MintFailed, ErrMintingUnavailable
	}

	slog.Info("retrying milestone mint", "identity", identity)
	return c.mint(ctx, gc.RewardCollaboratorAddress, identity)
}

func (c *Coordinator) mint(ctx context.Context, address, identity string) (models.MintStatus, error) {
	if err := c.minter.Mint(ctx, address, identity); err != nil {
		slog.Error("milestone mint failed",
			"identity", identity,
			"collaborator", address,
			"error", err,
		)
		c.record(ctx, identity, models.MintFailed, err)
		return models.MintFailed, fmt.Errorf("%w: %v", engine.ErrMintCollaboratorFailure, err)
	}

	slog.Info("milestone token minted", "identity", identity, "collaborator", address)
	c.record(ctx, identity, models.MintMinted, nil)
	return models.MintMinted, nil
}

// OnSecretDiscovered publishes the secret reward
func (c *Coordinator) OnSecretDiscovered(ctx context.Context, identity string, secret models.SecretDefinition) error {
	e := events.New(events.TypeSecretDiscovered, identity)
	e.SecretID = secret.ID
	e.Reward = secret.Reward
	return c.publish(ctx, e)
}

// record counts and publishes a mint outcome
func (c *Coordinator) record(ctx context.Context, identity string, outcome models.MintStatus, cause error) {
	metrics.MintOutcomes.WithLabelValues(string(outcome)).Inc()

	var e events.Event
	switch outcome {
	case models.MintMinted:
		e = events.New(events.TypeMilestoneMinted, identity)
	case models.MintSkipped:
		e = events.New(events.TypeMilestoneMintSkip, identity)
	default:
		e = events.New(events.TypeMilestoneMintFailed, identity)
		if cause != nil {
			e.Message = cause.Error()
		}
	}

	// Event delivery never changes the outcome
	_ = c.publish(ctx, e)
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) error {
	if err := c.publisher.Publish(ctx, e); err != nil {
		metrics.EventPublishFailures.WithLabelValues(e.Type).Inc()
		slog.Warn("failed to publish event",
			"type", e.Type,
			"identity", e.Identity,
			"error", err,
		)
		return err
	}
	return nil
}
