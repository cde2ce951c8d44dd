package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/terra-clan/matrix-engine/internal/metrics"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/verifier"
)

// SolveResult describes a committed level advance
type SolveResult struct {
	Progress         models.ProgressView
	MilestoneReached bool
	Mint             models.MintStatus

	// MintFailure wraps ErrMintCollaboratorFailure when the milestone mint failed.
	// The level advance is committed regardless.
	MintFailure error
}

// DiscoverResult describes a newly discovered secret
type DiscoverResult struct {
	Secret        models.SecretDefinition
	Progress      models.ProgressView
	RewardFailure error
}

// SolveLevel checks attempt against the caller's current level and advances by
// exactly one level on a match.
func (e *Engine) SolveLevel(ctx context.Context, identity, attempt string) (*SolveResult, error) {
	result, err := e.solveLevel(ctx, identity, attempt)
	metrics.LevelAttempts.WithLabelValues(Code(err)).Inc()
	return result, err
}

func (e *Engine) solveLevel(ctx context.Context, identity, attempt string) (*SolveResult, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	if err := e.requireLevels(ctx); err != nil {
		return nil, err
	}

	total := e.registry.Len()
	milestone := e.MilestoneLevel()
	reached := false

	p, err := e.repo.UpdateProgress(ctx, id, func(p *models.UserProgress) error {
		reached = false

		if p.CurrentLevel >= total {
			return ErrAlreadyCompleted
		}

		def, err := e.registry.DefinitionAt(p.CurrentLevel)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}

		if !verifier.Matches(attempt, def.PasscodeCommitment) {
			return ErrIncorrectPasscode
		}

		p.CurrentLevel++

		if milestone > 0 && p.CurrentLevel == milestone && !p.MilestoneTokenIssued {
			p.MilestoneTokenIssued = true
			p.MintStatus = models.MintPending
			reached = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIncorrectPasscode) {
			slog.Info("incorrect passcode", "identity", id)
		}
		return nil, err
	}

	metrics.LevelsSolved.WithLabelValues(strconv.Itoa(p.CurrentLevel - 1)).Inc()
	slog.Info("level solved", "identity", id, "level", p.CurrentLevel, "milestone", reached)

	result := &SolveResult{
		Progress:         e.view(p),
		MilestoneReached: reached,
	}

	if reached {
		e.issueMilestone(ctx, id, result)
	}

	return result, nil
}

// issueMilestone runs the reward hook after the advance committed and records the
// mint outcome. Failures are attached to result, never returned.
//
// The record already says pending, so an outcome that never gets written is picked
// up by the reconcile worker. The hook and the write are detached from ctx so a
// caller hanging up mid-mint does not strand the record.
func (e *Engine) issueMilestone(ctx context.Context, id string, result *SolveResult) {
	ctx = context.WithoutCancel(ctx)

	outcome, err := e.sink.OnMilestoneReached(ctx, id)
	if err != nil {
		outcome = models.MintFailed
		if !errors.Is(err, ErrMintCollaboratorFailure) {
			err = fmt.Errorf("%w: %v", ErrMintCollaboratorFailure, err)
		}
		result.MintFailure = err
		slog.Warn("milestone mint failed, level advance kept", "identity", id, "error", err)
	}
	if outcome == models.MintNone {
		outcome = models.MintPending
	}
	result.Mint = outcome

	if outcome == models.MintPending {
		return
	}

	if err := e.RecordMintOutcome(ctx, id, outcome); err != nil {
		slog.Error("failed to record mint outcome, left pending", "identity", id, "outcome", outcome, "error", err)
	}
}

// RecordMintOutcome stores the outcome of a milestone mint, inline or retried
func (e *Engine) RecordMintOutcome(ctx context.Context, identity string, outcome models.MintStatus) error {
	_, err := e.repo.UpdateProgress(ctx, identity, func(p *models.UserProgress) error {
		if !p.MilestoneTokenIssued {
			return fmt.Errorf("%w: milestone not reached", ErrNotEligible)
		}
		p.MintStatus = outcome
		return nil
	})
	return err
}

// errNotClaimable aborts a claim without writing
var errNotClaimable = errors.New("mint not claimable")

// ClaimMintRetry marks a failed mint, or a pending one last touched before
// staleBefore, as pending again so exactly one worker retries it. It returns
// false when another worker holds the record or the mint already settled.
func (e *Engine) ClaimMintRetry(ctx context.Context, identity string, staleBefore time.Time) (bool, error) {
	_, err := e.repo.UpdateProgress(ctx, identity, func(p *models.UserProgress) error {
		if !p.MilestoneTokenIssued {
			return errNotClaimable
		}
		switch {
		case p.MintStatus == models.MintFailed:
		case p.MintStatus == models.MintPending && p.UpdatedAt.Before(staleBefore):
		default:
			return errNotClaimable
		}
		p.MintStatus = models.MintPending
		return nil
	})
	if errors.Is(err, errNotClaimable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DiscoverSecret records a newly found secret phrase and issues its reward
func (e *Engine) DiscoverSecret(ctx context.Context, identity, phrase string) (*DiscoverResult, error) {
	result, err := e.discoverSecret(ctx, identity, phrase)
	metrics.SecretAttempts.WithLabelValues(Code(err)).Inc()
	return result, err
}

func (e *Engine) discoverSecret(ctx context.Context, identity, phrase string) (*DiscoverResult, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	if err := e.requireLevels(ctx); err != nil {
		return nil, err
	}

	secret, ok := e.registry.MatchSecret(phrase)
	if !ok {
		return nil, ErrUnknownSecret
	}

	p, err := e.repo.UpdateProgress(ctx, id, func(p *models.UserProgress) error {
		if !p.AddSecret(secret.ID) {
			return ErrAlreadyDiscovered
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("secret discovered", "identity", id, "secret_id", secret.ID)

	result := &DiscoverResult{Secret: secret, Progress: e.view(p)}
	if err := e.sink.OnSecretDiscovered(ctx, id, secret); err != nil {
		result.RewardFailure = err
		slog.Warn("secret reward failed, discovery kept", "identity", id, "secret_id", secret.ID, "error", err)
	}

	return result, nil
}

// GetProgress returns the caller's progress without mutating anything.
// Unknown identities get the initial shape.
func (e *Engine) GetProgress(ctx context.Context, identity string) (*models.ProgressView, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	if err := e.syncRegistry(ctx); err != nil {
		return nil, err
	}

	p, err := e.repo.GetProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	if p == nil {
		p = models.NewUserProgress(id)
	}

	v := e.view(p)
	return &v, nil
}

// GetRecord returns the full progress record including discovered secrets
func (e *Engine) GetRecord(ctx context.Context, identity string) (*models.UserProgress, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	p, err := e.repo.GetProgress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	if p == nil {
		p = models.NewUserProgress(id)
	}
	return p, nil
}
