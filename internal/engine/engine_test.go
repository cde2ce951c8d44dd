package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/matrix-engine/internal/levels"
	"github.com/terra-clan/matrix-engine/internal/models"
	"github.com/terra-clan/matrix-engine/internal/storage"
	"github.com/terra-clan/matrix-engine/internal/verifier"
)

const (
	admin = "0x00000000000000000000000000000000000000aa"
	neo   = "0x1111111111111111111111111111111111111111"
	smith = "0x2222222222222222222222222222222222222222"
)

var passcodes = []string{"follow the white rabbit", "red or blue", "there is no spoon"}

type fakeSink struct {
	mu         sync.Mutex
	milestones []string
	secrets    []string
	outcome    models.MintStatus
	mintErr    error
	secretErr  error

	// onMint runs before the outcome is returned
	onMint func(ctx context.Context, identity string)
}

func (s *fakeSink) OnMilestoneReached(ctx context.Context, identity string) (models.MintStatus, error) {
	if s.onMint != nil {
		s.onMint(ctx, identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones = append(s.milestones, identity)
	if s.mintErr != nil {
		return models.MintFailed, s.mintErr
	}
	if s.outcome == "" {
		return models.MintMinted, nil
	}
	return s.outcome, nil
}

func (s *fakeSink) OnSecretDiscovered(ctx context.Context, identity string, secret models.SecretDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = append(s.secrets, identity+":"+secret.ID)
	return s.secretErr
}

func (s *fakeSink) milestoneCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.milestones)
}

func (s *fakeSink) secretCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets)
}

func testManifest() models.Manifest {
	return models.Manifest{
		Levels: []models.LevelDefinition{
			{Index: 0, DisplayName: "Wake Up", Hint: "Follow it.", PasscodeCommitment: verifier.Commit(passcodes[0])},
			{Index: 1, DisplayName: "The Choice", Hint: "Pills.", PasscodeCommitment: verifier.Commit(passcodes[1])},
			{Index: 2, DisplayName: "The Construct", Hint: "Spoon.", PasscodeCommitment: verifier.Commit(passcodes[2]), Reward: true},
		},
		Secrets: []models.SecretDefinition{
			{ID: "morpheus", Commitment: verifier.Commit("morpheus"), Reward: "captain"},
			{ID: "trinity", Commitment: verifier.Commit("trinity")},
		},
	}
}

type harness struct {
	engine *Engine
	repo   *storage.MemoryRepository
	sink   *fakeSink
}

func newHarness(t *testing.T, cfg Config, publish bool) *harness {
	t.Helper()

	if cfg.AdminIdentity == "" {
		cfg.AdminIdentity = admin
	}
	repo := storage.NewMemoryRepository()
	sink := &fakeSink{}
	e := New(cfg, repo, levels.NewRegistry(), sink)

	_, err := e.Bootstrap(context.Background())
	require.NoError(t, err)

	if publish {
		require.NoError(t, e.PublishLevels(context.Background(), admin, testManifest()))
	}
	return &harness{engine: e, repo: repo, sink: sink}
}

func (h *harness) level(t *testing.T, identity string) int {
	t.Helper()
	v, err := h.engine.GetProgress(context.Background(), identity)
	require.NoError(t, err)
	return v.CurrentLevel
}

func TestSolveLevelAdvancesOneAtATime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	for i, code := range passcodes {
		res, err := h.engine.SolveLevel(ctx, neo, code)
		require.NoError(t, err, "level %d", i)
		assert.Equal(t, i+1, res.Progress.CurrentLevel)
		assert.Equal(t, i+1, h.level(t, neo))
	}

	v, err := h.engine.GetProgress(ctx, neo)
	require.NoError(t, err)
	assert.True(t, v.Completed)
	assert.Empty(t, v.CurrentLevelDisplayName)
	assert.Empty(t, v.CurrentLevelHint)
}

func TestSolveLevelNeverSkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[2])
	assert.ErrorIs(t, err, ErrIncorrectPasscode)
	assert.Equal(t, 0, h.level(t, neo))
}

func TestSolveLevelIncorrectPasscodeLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)

	for _, attempt := range []string{"", "blue", "follow the white rabbit", "RED OR BLUE!"} {
		_, err := h.engine.SolveLevel(ctx, neo, attempt)
		assert.ErrorIs(t, err, ErrIncorrectPasscode, attempt)
		assert.Equal(t, 1, h.level(t, neo))
	}
}

func TestSolveLevelNormalizesAttempt(t *testing.T) {
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.SolveLevel(context.Background(), neo, "  Follow The White RABBIT ")
	require.NoError(t, err)
	assert.Equal(t, 1, h.level(t, neo))
}

func TestSolveLevelAlreadyCompleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	for _, code := range passcodes {
		_, err := h.engine.SolveLevel(ctx, neo, code)
		require.NoError(t, err)
	}

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[2])
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, 3, h.level(t, neo))
}

func TestSolveLevelEmptyRegistryIsNotConfigured(t *testing.T) {
	h := newHarness(t, Config{OfferLevel: 2}, false)

	_, err := h.engine.SolveLevel(context.Background(), neo, passcodes[0])
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = h.engine.DiscoverSecret(context.Background(), neo, "morpheus")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSolveLevelRejectsMalformedIdentity(t *testing.T) {
	h := newHarness(t, Config{OfferLevel: 2}, true)

	for _, id := range []string{"", "neo", "0x123", "0xZZ11111111111111111111111111111111111111"} {
		_, err := h.engine.SolveLevel(context.Background(), id, passcodes[0])
		assert.ErrorIs(t, err, ErrInvalidIdentity, id)
	}
}

func TestIdentityIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)
	upper := "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"

	_, err := h.engine.SolveLevel(ctx, upper, passcodes[0])
	require.NoError(t, err)
	assert.Equal(t, 1, h.level(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"))
}

func TestConcurrentSolvesFromSameIdentitySerialize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.SolveLevel(ctx, neo, passcodes[0])
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrIncorrectPasscode)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.level(t, neo))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)

	assert.Equal(t, 1, h.level(t, neo))
	assert.Equal(t, 0, h.level(t, smith))
}

func TestGetProgressShowsOnlyCurrentLevelHint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	v, err := h.engine.GetProgress(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, 0, v.CurrentLevel)
	assert.Equal(t, "Wake Up", v.CurrentLevelDisplayName)
	assert.Equal(t, "Follow it.", v.CurrentLevelHint)
	assert.Equal(t, 3, v.TotalLevels)

	_, err = h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)

	v, err = h.engine.GetProgress(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, "The Choice", v.CurrentLevelDisplayName)
	assert.Equal(t, "Pills.", v.CurrentLevelHint)
}

func TestGetProgressDoesNotCreateRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.GetProgress(ctx, neo)
	require.NoError(t, err)

	stored, err := h.repo.GetProgress(ctx, neo)
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = h.engine.GetProgress(ctx, "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestDiscoverSecretOnceWithCaseFolding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	res, err := h.engine.DiscoverSecret(ctx, neo, "Morpheus")
	require.NoError(t, err)
	assert.Equal(t, "morpheus", res.Secret.ID)
	assert.Equal(t, "captain", res.Secret.Reward)

	_, err = h.engine.DiscoverSecret(ctx, neo, "morpheus")
	assert.ErrorIs(t, err, ErrAlreadyDiscovered)
	assert.Equal(t, 1, h.sink.secretCalls(), "reward must not fire twice")

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, []string{"morpheus"}, record.DiscoveredSecrets)
}

func TestDiscoverSecretUnknown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)

	_, err := h.engine.DiscoverSecret(ctx, neo, "cypher")
	assert.ErrorIs(t, err, ErrUnknownSecret)

	stored, err := h.repo.GetProgress(ctx, neo)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestDiscoverSecretRewardFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)
	h.sink.secretErr = errors.New("reward backend down")

	res, err := h.engine.DiscoverSecret(ctx, neo, "trinity")
	require.NoError(t, err)
	assert.Error(t, res.RewardFailure)

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.True(t, record.HasSecret("trinity"))
}

func TestMilestoneIssuedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 2}, true)

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.Equal(t, 0, h.sink.milestoneCalls())

	res, err := h.engine.SolveLevel(ctx, neo, passcodes[1])
	require.NoError(t, err)
	assert.True(t, res.MilestoneReached)
	assert.Equal(t, models.MintMinted, res.Mint)
	assert.True(t, res.Progress.MilestoneTokenIssued)
	assert.Equal(t, 1, h.sink.milestoneCalls())

	// Reset at the offer level and reach the milestone again
	_, err = h.engine.RequestReset(ctx, neo, true)
	require.NoError(t, err)
	for _, code := range passcodes[:2] {
		res, err = h.engine.SolveLevel(ctx, neo, code)
		require.NoError(t, err)
		assert.False(t, res.MilestoneReached)
	}
	assert.Equal(t, 1, h.sink.milestoneCalls(), "collaborator must not be called twice")

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.True(t, record.MilestoneTokenIssued)
	assert.Equal(t, models.MintMinted, record.MintStatus)
}

func TestMilestoneDerivedFromRewardFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2}, true)
	assert.Equal(t, 3, h.engine.MilestoneLevel())

	for _, code := range passcodes {
		_, err := h.engine.SolveLevel(ctx, neo, code)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.sink.milestoneCalls())
}

func TestMintFailureDoesNotRollBackLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)
	h.sink.mintErr = errors.New("connection refused")

	res, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.True(t, res.MilestoneReached)
	assert.Equal(t, models.MintFailed, res.Mint)
	assert.ErrorIs(t, res.MintFailure, ErrMintCollaboratorFailure)
	assert.Equal(t, "mint_collaborator_failure", Code(res.MintFailure))

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, 1, record.CurrentLevel)
	assert.True(t, record.MilestoneTokenIssued)
	assert.Equal(t, models.MintFailed, record.MintStatus)

	require.NoError(t, h.engine.RecordMintOutcome(ctx, neo, models.MintMinted))
	record, err = h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, models.MintMinted, record.MintStatus)
}

func TestMintSkippedStillSetsFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)
	h.sink.outcome = models.MintSkipped

	res, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.NoError(t, res.MintFailure)
	assert.Equal(t, models.MintSkipped, res.Mint)

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.True(t, record.MilestoneTokenIssued)
	assert.Equal(t, models.MintSkipped, record.MintStatus)
}

func TestMilestoneCommittedAsPendingBeforeMint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)

	var during *models.UserProgress
	h.sink.onMint = func(ctx context.Context, identity string) {
		during, _ = h.repo.GetProgress(context.Background(), identity)
	}

	_, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)

	require.NotNil(t, during)
	assert.True(t, during.MilestoneTokenIssued)
	assert.Equal(t, models.MintPending, during.MintStatus)
}

func TestMintOutcomeRecordedAfterCallerHangsUp(t *testing.T) {
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)
	h.sink.mintErr = errors.New("collaborator timeout")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.onMint = func(sinkCtx context.Context, identity string) {
		cancel()
		assert.NoError(t, sinkCtx.Err(), "mint must not inherit the request's cancellation")
	}

	res, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.Equal(t, models.MintFailed, res.Mint)

	record, err := h.engine.GetRecord(context.Background(), neo)
	require.NoError(t, err)
	assert.Equal(t, 1, record.CurrentLevel)
	assert.True(t, record.MilestoneTokenIssued)
	assert.Equal(t, models.MintFailed, record.MintStatus)

	retryable, err := h.repo.ListProgressByMintStatus(context.Background(), models.MintFailed, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, neo, retryable[0].Identity)
}

func TestUnreportedMintStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)
	h.sink.outcome = models.MintPending

	res, err := h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.Equal(t, models.MintPending, res.Mint)

	pending, err := h.repo.ListProgressByMintStatus(ctx, models.MintPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, neo, pending[0].Identity)
}

func TestClaimMintRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 1}, true)

	// No milestone yet
	claimed, err := h.engine.ClaimMintRetry(ctx, neo, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	h.sink.mintErr = errors.New("down")
	_, err = h.engine.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)

	claimed, err = h.engine.ClaimMintRetry(ctx, neo, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed)

	record, err := h.engine.GetRecord(ctx, neo)
	require.NoError(t, err)
	assert.Equal(t, models.MintPending, record.MintStatus)

	// Freshly claimed, so a second worker backs off
	claimed, err = h.engine.ClaimMintRetry(ctx, neo, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed)

	// Until the claim goes stale
	claimed, err = h.engine.ClaimMintRetry(ctx, neo, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, h.engine.RecordMintOutcome(ctx, neo, models.MintMinted))
	claimed, err = h.engine.ClaimMintRetry(ctx, neo, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, claimed, "a minted token is never claimed again")
}

func TestRecordMintOutcomeRequiresMilestone(t *testing.T) {
	h := newHarness(t, Config{OfferLevel: 2}, true)

	err := h.engine.RecordMintOutcome(context.Background(), neo, models.MintMinted)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestBootstrapRestoresPublishedManifest(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	first := New(Config{AdminIdentity: admin, OfferLevel: 2}, repo, levels.NewRegistry(), &fakeSink{})
	_, err := first.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, first.PublishLevels(ctx, admin, testManifest()))

	restarted := New(Config{AdminIdentity: admin, OfferLevel: 2}, repo, levels.NewRegistry(), &fakeSink{})
	gc, err := restarted.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, admin, gc.AdminIdentity)
	assert.True(t, restarted.Registry().Published())
	assert.Equal(t, 3, restarted.Registry().Len())
}

func TestReplicasSharingLedgerSeePublishedLevels(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	cfg := Config{AdminIdentity: admin, OfferLevel: 2}

	a := New(cfg, repo, levels.NewRegistry(), &fakeSink{})
	b := New(cfg, repo, levels.NewRegistry(), &fakeSink{})
	_, err := a.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = b.Bootstrap(ctx)
	require.NoError(t, err)

	require.NoError(t, a.PublishLevels(ctx, admin, testManifest()))

	res, err := b.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.CurrentLevel)
	assert.Equal(t, 3, res.Progress.TotalLevels)

	_, err = b.DiscoverSecret(ctx, smith, "trinity")
	require.NoError(t, err)
}

func TestLosingPublishRaceInstallsWinnersManifest(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	cfg := Config{AdminIdentity: admin, OfferLevel: 2}

	loser := New(cfg, repo, levels.NewRegistry(), &fakeSink{})
	_, err := loser.Bootstrap(ctx)
	require.NoError(t, err)

	// The winner saved its manifest straight to the shared ledger
	require.NoError(t, repo.SaveManifest(ctx, testManifest()))

	other := testManifest()
	other.Levels = other.Levels[:1]
	err = loser.PublishLevels(ctx, admin, other)
	assert.ErrorIs(t, err, ErrAlreadyPublished)

	assert.True(t, loser.Registry().Published())
	assert.Equal(t, 3, loser.Registry().Len())

	_, err = loser.SolveLevel(ctx, neo, passcodes[0])
	require.NoError(t, err)
}

func TestPublishRejectsMilestoneBeyondLastLevel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OfferLevel: 2, MilestoneLevel: 4}, false)

	err := h.engine.PublishLevels(ctx, admin, testManifest())
	assert.ErrorIs(t, err, ErrInvalidManifest)
	assert.False(t, h.engine.Registry().Published())

	stored, err := h.repo.LoadManifest(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestBootstrapRejectsInvalidAdmin(t *testing.T) {
	e := New(Config{AdminIdentity: "root"}, storage.NewMemoryRepository(), levels.NewRegistry(), &fakeSink{})
	_, err := e.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "incorrect_passcode", Code(ErrIncorrectPasscode))
	assert.Equal(t, "not_eligible", Code(errors.Join(errors.New("x"), ErrNotEligible)))
	assert.Equal(t, "internal_error", Code(errors.New("db down")))
}
