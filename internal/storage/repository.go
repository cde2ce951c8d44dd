package storage

import (
	"context"
	"errors"

	"github.com/terra-clan/matrix-engine/internal/models"
)

var (
	// ErrManifestExists is returned when a level manifest was already saved
	ErrManifestExists = errors.New("level manifest already saved")
	// ErrConfigMissing is returned when the global config row was never created
	ErrConfigMissing = errors.New("global config not initialized")
)

// ProgressFunc mutates a progress record inside a transaction.
// Returning an error rolls the transaction back and leaves the record untouched.
type ProgressFunc func(p *models.UserProgress) error

// ConfigFunc mutates the global config inside a transaction
type ConfigFunc func(c *models.GlobalConfig) error

// Repository is the transactional ledger the engine runs on.
// Every Update call is all-or-nothing and serialized per identity.
type Repository interface {
	// Progress
	GetProgress(ctx context.Context, identity string) (*models.UserProgress, error)
	UpdateProgress(ctx context.Context, identity string, fn ProgressFunc) (*models.UserProgress, error)
	ListProgressByMintStatus(ctx context.Context, status models.MintStatus, limit int) ([]*models.UserProgress, error)

	// Global config
	EnsureConfig(ctx context.Context, adminIdentity string) (*models.GlobalConfig, error)
	GetConfig(ctx context.Context) (*models.GlobalConfig, error)
	UpdateConfig(ctx context.Context, fn ConfigFunc) (*models.GlobalConfig, error)

	// Level manifest
	SaveManifest(ctx context.Context, m models.Manifest) error
	LoadManifest(ctx context.Context) (*models.Manifest, error)

	// API Clients
	GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error)
	UpdateClientLastUsed(ctx context.Context, apiKey string) error

	// Health
	Ping(ctx context.Context) error
	Close() error
}
