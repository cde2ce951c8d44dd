package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/matrix-engine/internal/models"
)

// PostgresRepository implements Repository on PostgreSQL.
// Per-identity serialization comes from row locks held for the whole transaction.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}

	poolConfig.MinConns = 5
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}

	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// --- Progress ---

const progressColumns = `identity, current_level, discovered_secrets, milestone_token_issued, mint_status, created_at, updated_at`

func scanProgress(row pgx.Row) (*models.UserProgress, error) {
	var p models.UserProgress
	var mintStatus string

	err := row.Scan(
		&p.Identity,
		&p.CurrentLevel,
		&p.DiscoveredSecrets,
		&p.MilestoneTokenIssued,
		&mintStatus,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.MintStatus = models.MintStatus(mintStatus)
	if p.DiscoveredSecrets == nil {
		p.DiscoveredSecrets = []string{}
	}
	return &p, nil
}

// GetProgress returns the record for identity, or nil if it was never created
func (r *PostgresRepository) GetProgress(ctx context.Context, identity string) (*models.UserProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM user_progress WHERE identity = $1`

	p, err := scanProgress(r.pool.QueryRow(ctx, query, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return p, nil
}

// UpdateProgress locks the identity row, creating it on first use, and applies fn.
// Nothing is written when fn fails.
func (r *PostgresRepository) UpdateProgress(ctx context.Context, identity string, fn ProgressFunc) (*models.UserProgress, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO user_progress (identity) VALUES ($1) ON CONFLICT (identity) DO NOTHING`,
		identity,
	); err != nil {
		return nil, fmt.Errorf("failed to create progress: %w", err)
	}

	query := `SELECT ` + progressColumns + ` FROM user_progress WHERE identity = $1 FOR UPDATE`
	current, err := scanProgress(tx.QueryRow(ctx, query, identity))
	if err != nil {
		return nil, fmt.Errorf("failed to lock progress: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE user_progress
		SET current_level = $2, discovered_secrets = $3, milestone_token_issued = $4, mint_status = $5, updated_at = $6
		WHERE identity = $1
	`,
		identity,
		next.CurrentLevel,
		next.DiscoveredSecrets,
		next.MilestoneTokenIssued,
		string(next.MintStatus),
		next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit progress: %w", err)
	}

	return next, nil
}

// ListProgressByMintStatus returns up to limit records with the given mint status, oldest first
func (r *PostgresRepository) ListProgressByMintStatus(ctx context.Context, status models.MintStatus, limit int) ([]*models.UserProgress, error) {
	query := `SELECT ` + progressColumns + ` FROM user_progress WHERE mint_status = $1 ORDER BY updated_at ASC`
	args := []interface{}{string(status)}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var result []*models.UserProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		result = append(result, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress: %w", err)
	}

	return result, nil
}

// --- Global config ---

const configColumns = `admin_identity, reward_collaborator_address, minting_enabled, updated_at`

func scanConfig(row pgx.Row) (*models.GlobalConfig, error) {
	var c models.GlobalConfig
	if err := row.Scan(&c.AdminIdentity, &c.RewardCollaboratorAddress, &c.MintingEnabled, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureConfig creates the singleton config row on first start and returns the stored one.
// An existing admin identity is never overwritten.
func (r *PostgresRepository) EnsureConfig(ctx context.Context, adminIdentity string) (*models.GlobalConfig, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO global_config (id, admin_identity) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`,
		adminIdentity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create global config: %w", err)
	}
	return r.GetConfig(ctx)
}

// GetConfig returns the singleton config
func (r *PostgresRepository) GetConfig(ctx context.Context) (*models.GlobalConfig, error) {
	c, err := scanConfig(r.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM global_config WHERE id = 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigMissing
		}
		return nil, fmt.Errorf("failed to get global config: %w", err)
	}
	return c, nil
}

// UpdateConfig locks the config row and applies fn
func (r *PostgresRepository) UpdateConfig(ctx context.Context, fn ConfigFunc) (*models.GlobalConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanConfig(tx.QueryRow(ctx, `SELECT `+configColumns+` FROM global_config WHERE id = 1 FOR UPDATE`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigMissing
		}
		return nil, fmt.Errorf("failed to lock global config: %w", err)
	}

	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE global_config
		SET reward_collaborator_address = $1, minting_enabled = $2, updated_at = $3
		WHERE id = 1
	`, next.RewardCollaboratorAddress, next.MintingEnabled, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update global config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit global config: %w", err)
	}

	return &next, nil
}

// --- Level manifest ---

// SaveManifest stores levels and secrets once. The levels table is locked so two
// concurrent publishers cannot both succeed.
func (r *PostgresRepository) SaveManifest(ctx context.Context, m models.Manifest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE levels IN EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock levels: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM levels`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count levels: %w", err)
	}
	if count > 0 {
		return ErrManifestExists
	}

	batch := &pgx.Batch{}
	for _, l := range m.Levels {
		batch.Queue(
			`INSERT INTO levels (idx, display_name, commitment, hint, reward) VALUES ($1, $2, $3, $4, $5)`,
			l.Index, l.DisplayName, l.PasscodeCommitment[:], l.Hint, l.Reward,
		)
	}
	for _, s := range m.Secrets {
		batch.Queue(
			`INSERT INTO secrets (id, commitment, reward) VALUES ($1, $2, $3)`,
			s.ID, s.Commitment[:], s.Reward,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return nil
}

// LoadManifest returns the saved manifest, or nil if none was saved
func (r *PostgresRepository) LoadManifest(ctx context.Context) (*models.Manifest, error) {
	rows, err := r.pool.Query(ctx, `SELECT idx, display_name, commitment, hint, reward FROM levels ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load levels: %w", err)
	}
	defer rows.Close()

	var m models.Manifest
	for rows.Next() {
		var l models.LevelDefinition
		var commitment []byte
		if err := rows.Scan(&l.Index, &l.DisplayName, &commitment, &l.Hint, &l.Reward); err != nil {
			return nil, fmt.Errorf("failed to scan level: %w", err)
		}
		copy(l.PasscodeCommitment[:], commitment)
		m.Levels = append(m.Levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating levels: %w", err)
	}

	if len(m.Levels) == 0 {
		return nil, nil
	}

	secretRows, err := r.pool.Query(ctx, `SELECT id, commitment, reward FROM secrets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer secretRows.Close()

	for secretRows.Next() {
		var s models.SecretDefinition
		var commitment []byte
		if err := secretRows.Scan(&s.ID, &commitment, &s.Reward); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		copy(s.Commitment[:], commitment)
		m.Secrets = append(m.Secrets, s)
	}

	return &m, secretRows.Err()
}

// --- API clients ---

// GetClientByApiKey retrieves an API client by its key, or nil if unknown
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsedAt.Valid {
		client.LastUsedAt = &lastUsedAt.Time
	}

	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &client, nil
}

// UpdateClientLastUsed updates the last_used_at timestamp for a client
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}
	return nil
}
