// Package reconcile periodically retries milestone mints that failed or whose
// outcome was never recorded.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/reward"
)

// Store lists progress records by mint status
type Store interface {
	ListProgressByMintStatus(ctx context.Context, status models.MintStatus, limit int) ([]*models.UserProgress, error)
}

// Retrier repeats a milestone mint
type Retrier interface {
	RetryMint(ctx context.Context, identity string) (models.MintStatus, error)
}

// Recorder claims records for retry and stores the outcome
type Recorder interface {
	ClaimMintRetry(ctx context.Context, identity string, staleBefore time.Time) (bool, error)
	RecordMintOutcome(ctx context.Context, identity string, outcome models.MintStatus) error
}

// Reconciler handles periodic retries of failed and stranded mints
type Reconciler struct {
	store      Store
	retrier    Retrier
	recorder   Recorder
	interval   time.Duration
	staleAfter time.Duration
	batch      int
}

// NewReconciler creates a new retry worker. A pending mint older than staleAfter is
// treated as stranded; staleAfter must exceed the collaborator timeout.
func NewReconciler(store Store, retrier Retrier, recorder Recorder, interval, staleAfter time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}

	return &Reconciler{
		store:      store,
		retrier:    retrier,
		recorder:   recorder,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      batch,
	}
}

// Start begins the worker in a goroutine
func (r *Reconciler) Start(ctx context.Context) {
	go r.Run(ctx)
}

// Run is the main loop. It returns when ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("mint reconcile worker started", "interval", r.interval, "stale_after", r.staleAfter, "batch", r.batch)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("mint reconcile worker stopped")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile retries one batch of failed and stranded mints and returns how many succeeded
func (r *Reconciler) Reconcile(ctx context.Context) int {
	slog.Debug("running mint reconcile cycle")

	staleBefore := time.Now().Add(-r.staleAfter)
	candidates, err := r.candidates(ctx, staleBefore)
	if err != nil {
		slog.Error("failed to list mints to retry", "error", err)
		return 0
	}

	if len(candidates) == 0 {
		slog.Debug("no mints to retry")
		return 0
	}

	slog.Info("found mints to retry", "count", len(candidates))

	minted := 0
	for _, p := range candidates {
		if ctx.Err() != nil {
			return minted
		}

		// Claim first so concurrent workers never mint the same record
		claimed, err := r.recorder.ClaimMintRetry(ctx, p.Identity, staleBefore)
		if err != nil {
			slog.Error("failed to claim mint retry", "identity", p.Identity, "error", err)
			continue
		}
		if !claimed {
			slog.Debug("mint retry claimed elsewhere or settled", "identity", p.Identity)
			continue
		}

		outcome, err := r.retrier.RetryMint(ctx, p.Identity)
		if errors.Is(err, reward.ErrMintingUnavailable) {
			r.record(ctx, p.Identity, models.MintFailed)
			slog.Info("minting is off, postponing mint retries", "pending", len(candidates))
			return minted
		}
		if err != nil {
			slog.Warn("mint retry failed", "identity", p.Identity, "error", err)
			// Recording moves the record to the back of the queue
			r.record(ctx, p.Identity, models.MintFailed)
			continue
		}

		if !r.record(ctx, p.Identity, outcome) {
			continue
		}

		minted++
		slog.Info("mint recovered", "identity", p.Identity, "previous", p.MintStatus)
	}

	return minted
}

// candidates lists failed records and pending records untouched since staleBefore, oldest first
func (r *Reconciler) candidates(ctx context.Context, staleBefore time.Time) ([]*models.UserProgress, error) {
	failed, err := r.store.ListProgressByMintStatus(ctx, models.MintFailed, r.batch)
	if err != nil {
		return nil, err
	}

	pending, err := r.store.ListProgressByMintStatus(ctx, models.MintPending, r.batch)
	if err != nil {
		return nil, err
	}

	result := failed
	for _, p := range pending {
		if !p.UpdatedAt.Before(staleBefore) {
			break
		}
		result = append(result, p)
	}

	slices.SortFunc(result, func(a, b *models.UserProgress) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if len(result) > r.batch {
		result = result[:r.batch]
	}
	return result, nil
}

func (r *Reconciler) record(ctx context.Context, identity string, outcome models.MintStatus) bool {
	if err := r.recorder.RecordMintOutcome(ctx, identity, outcome); err != nil {
		slog.Error("failed to record retried mint",
			"error", err,
			"identity", identity,
			"outcome", outcome,
		)
		return false
	}
	return true
}
