package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/matrix-engine/internal/engine"
	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/reward"
	"github.com/terra-clan/matrix-engine/internal/storage"
)

const (
	neo   = "0x1111111111111111111111111111111111111111"
	smith = "0x2222222222222222222222222222222222222222"
	tank  = "0x3333333333333333333333333333333333333333"
)

type scriptedRetrier struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
}

func (s *scriptedRetrier) RetryMint(ctx context.Context, identity string) (models.MintStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, identity)
	if err := s.results[identity]; err != nil {
		return models.MintFailed, err
	}
	return models.MintMinted, nil
}

func (s *scriptedRetrier) callsFor(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == identity {
			n++
		}
	}
	return n
}

func (s *scriptedRetrier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newRecorder(repo *storage.MemoryRepository) *engine.Engine {
	return engine.New(engine.Config{}, repo, levels.NewRegistry(), nil)
}

func seed(t *testing.T, repo *storage.MemoryRepository, identity string, status models.MintStatus) {
	t.Helper()
	_, err := repo.UpdateProgress(context.Background(), identity, func(p *models.UserProgress) error {
		p.CurrentLevel = 3
		p.MilestoneTokenIssued = status != models.MintNone
		p.MintStatus = status
		return nil
	})
	require.NoError(t, err)
}

func status(t *testing.T, repo *storage.MemoryRepository, identity string) models.MintStatus {
	t.Helper()
	p, err := repo.GetProgress(context.Background(), identity)
	require.NoError(t, err)
	return p.MintStatus
}

func TestReconcileRetriesOnlyFailedMints(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seed(t, repo, neo, models.MintFailed)
	seed(t, repo, smith, models.MintSkipped)
	seed(t, repo, tank, models.MintFailed)

	retrier := &scriptedRetrier{results: map[string]error{tank: errors.New("still down")}}
	r := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Hour, 10)

	assert.Equal(t, 1, r.Reconcile(context.Background()))
	assert.ElementsMatch(t, []string{neo, tank}, retrier.calls)

	assert.Equal(t, models.MintMinted, status(t, repo, neo))
	assert.Equal(t, models.MintSkipped, status(t, repo, smith))
	assert.Equal(t, models.MintFailed, status(t, repo, tank))
}

func TestReconcileStopsWhileMintingUnavailable(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seed(t, repo, neo, models.MintFailed)
	seed(t, repo, tank, models.MintFailed)

	retrier := &scriptedRetrier{results: map[string]error{
		neo:  reward.ErrMintingUnavailable,
		tank: reward.ErrMintingUnavailable,
	}}
	r := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Hour, 10)

	assert.Equal(t, 0, r.Reconcile(context.Background()))
	assert.Equal(t, 1, retrier.callCount())

	// The claimed record goes back to failed
	assert.Equal(t, models.MintFailed, status(t, repo, neo))
	assert.Equal(t, models.MintFailed, status(t, repo, tank))
}

func TestReconcileRotatesPersistentFailures(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seed(t, repo, neo, models.MintFailed)
	seed(t, repo, smith, models.MintFailed)
	seed(t, repo, tank, models.MintFailed)

	down := errors.New("collaborator down")
	retrier := &scriptedRetrier{results: map[string]error{neo: down, smith: down, tank: down}}
	r := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Hour, 2)

	assert.Equal(t, 0, r.Reconcile(context.Background()))
	assert.Equal(t, 0, retrier.callsFor(tank))

	assert.Equal(t, 0, r.Reconcile(context.Background()))
	assert.Equal(t, 1, retrier.callsFor(tank), "newest failure must not starve behind older ones")
	assert.Equal(t, 4, retrier.callCount())
	assert.Equal(t, models.MintFailed, status(t, repo, tank))
}

func TestReconcileRetriesStalePendingOnly(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seed(t, repo, neo, models.MintPending)

	retrier := &scriptedRetrier{}

	fresh := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Hour, 10)
	assert.Equal(t, 0, fresh.Reconcile(context.Background()))
	assert.Zero(t, retrier.callCount(), "a mint still in flight is left alone")
	assert.Equal(t, models.MintPending, status(t, repo, neo))

	time.Sleep(5 * time.Millisecond)
	stale := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Millisecond, 10)
	assert.Equal(t, 1, stale.Reconcile(context.Background()))
	assert.Equal(t, []string{neo}, retrier.calls)
	assert.Equal(t, models.MintMinted, status(t, repo, neo))
}

func TestConcurrentReconcilersMintOnce(t *testing.T) {
	repo := storage.NewMemoryRepository()
	ids := []string{neo, smith, tank}
	for _, id := range ids {
		seed(t, repo, id, models.MintFailed)
	}

	retrier := &scriptedRetrier{}
	var wg sync.WaitGroup
	for range 4 {
		r := NewReconciler(repo, retrier, newRecorder(repo), time.Minute, time.Hour, 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Reconcile(context.Background())
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, retrier.callsFor(id), id)
		assert.Equal(t, models.MintMinted, status(t, repo, id))
	}
}

func TestReconcileNothingToDo(t *testing.T) {
	repo := storage.NewMemoryRepository()
	retrier := &scriptedRetrier{}
	r := NewReconciler(repo, retrier, newRecorder(repo), 0, 0, 0)

	assert.Equal(t, 0, r.Reconcile(context.Background()))
	assert.Zero(t, retrier.callCount())
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := storage.NewMemoryRepository()
	seed(t, repo, neo, models.MintFailed)

	retrier := &scriptedRetrier{}
	r := NewReconciler(repo, retrier, newRecorder(repo), 10*time.Millisecond, time.Hour, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p, err := repo.GetProgress(context.Background(), neo)
		return err == nil && p.MintStatus == models.MintMinted
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
