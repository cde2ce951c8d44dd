package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/terra-clan/matrix-engine/internal/models"
)

// MemoryRepository is an in-process Repository for tests and local runs.
// A single mutex serializes every transaction.
type MemoryRepository struct {
	mu       sync.Mutex
	progress map[string]*models.UserProgress
	config   *models.GlobalConfig
	manifest *models.Manifest
	clients  map[string]*models.ApiClient
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		progress: make(map[string]*models.UserProgress),
		clients:  make(map[string]*models.ApiClient),
	}
}

// Ping always succeeds
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

// GetProgress returns a copy of the record, or nil if it was never created
func (r *MemoryRepository) GetProgress(ctx context.Context, identity string) (*models.UserProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.progress[identity]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// UpdateProgress applies fn to a copy and stores it only when fn succeeds
func (r *MemoryRepository) UpdateProgress(ctx context.Context, identity string, fn ProgressFunc) (*models.UserProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.progress[identity]
	if !ok {
		current = models.NewUserProgress(identity)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	r.progress[identity] = next
	return next.Clone(), nil
}

// ListProgressByMintStatus returns up to limit records with status, oldest update first
func (r *MemoryRepository) ListProgressByMintStatus(ctx context.Context, status models.MintStatus, limit int) ([]*models.UserProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*models.UserProgress
	for _, p := range r.progress {
		if p.MintStatus == status {
			result = append(result, p.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// EnsureConfig creates the config on first call and returns the stored one
func (r *MemoryRepository) EnsureConfig(ctx context.Context, adminIdentity string) (*models.GlobalConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config == nil {
		r.config = &models.GlobalConfig{AdminIdentity: adminIdentity, UpdatedAt: time.Now().UTC()}
	}
	c := *r.config
	return &c, nil
}

// GetConfig returns a copy of the config
func (r *MemoryRepository) GetConfig(ctx context.Context) (*models.GlobalConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config == nil {
		return nil, ErrConfigMissing
	}
	c := *r.config
	return &c, nil
}

// UpdateConfig applies fn to a copy and stores it only when fn succeeds
func (r *MemoryRepository) UpdateConfig(ctx context.Context, fn ConfigFunc) (*models.GlobalConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config == nil {
		return nil, ErrConfigMissing
	}

	next := *r.config
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	r.config = &next
	c := next
	return &c, nil
}

// SaveManifest stores the manifest once
func (r *MemoryRepository) SaveManifest(ctx context.Context, m models.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manifest != nil {
		return ErrManifestExists
	}
	r.manifest = &models.Manifest{
		Levels:  slices.Clone(m.Levels),
		Secrets: slices.Clone(m.Secrets),
	}
	return nil
}

// LoadManifest returns the saved manifest, or nil
func (r *MemoryRepository) LoadManifest(ctx context.Context) (*models.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manifest == nil {
		return nil, nil
	}
	return &models.Manifest{
		Levels:  slices.Clone(r.manifest.Levels),
		Secrets: slices.Clone(r.manifest.Secrets),
	}, nil
}

// AddClient registers an API client
func (r *MemoryRepository) AddClient(client *models.ApiClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *client
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.clients[c.ApiKey] = &c
}

// GetClientByApiKey returns the client for apiKey, or nil
func (r *MemoryRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[apiKey]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// UpdateClientLastUsed records the last use of apiKey
func (r *MemoryRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[apiKey]; ok {
		now := time.Now().UTC()
		c.LastUsedAt = &now
	}
	return nil
}
