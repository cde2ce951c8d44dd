package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/terra-clan/matrix-engine/internal/metrics"
	"github.com/terra-clan/matrix-engine/internal/models"
)

// RequestReset takes the blue pill. Only callers sitting exactly on the offer level
// are eligible, and only a confirmed call mutates state. Discovered secrets and the
// milestone flag survive the reset.
func (e *Engine) RequestReset(ctx context.Context, identity string, confirmed bool) (*models.ProgressView, error) {
	v, err := e.requestReset(ctx, identity, confirmed)
	metrics.Resets.WithLabelValues(Code(err)).Inc()
	return v, err
}

func (e *Engine) requestReset(ctx context.Context, identity string, confirmed bool) (*models.ProgressView, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}

	if e.cfg.OfferLevel <= 0 {
		return nil, fmt.Errorf("%w: no reset offer level", ErrNotConfigured)
	}

	if !confirmed {
		current, err := e.GetProgress(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.CurrentLevel != e.cfg.OfferLevel {
			return nil, fmt.Errorf("%w: reset is offered at level %d only", ErrNotEligible, e.cfg.OfferLevel)
		}
		return nil, ErrConfirmationRequired
	}

	if err := e.syncRegistry(ctx); err != nil {
		return nil, err
	}

	p, err := e.repo.UpdateProgress(ctx, id, func(p *models.UserProgress) error {
		if p.CurrentLevel != e.cfg.OfferLevel {
			return fmt.Errorf("%w: reset is offered at level %d only", ErrNotEligible, e.cfg.OfferLevel)
		}
		p.CurrentLevel = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("blue pill taken", "identity", id, "secrets_kept", len(p.DiscoveredSecrets), "milestone_kept", p.MilestoneTokenIssued)

	v := e.view(p)
	return &v, nil
}
