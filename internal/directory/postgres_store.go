package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `
	id, handle, slug, name, target_url, timeout_ms, price_cents,
	chain_id, token_id, payout_address, cached_owner, origin_secret,
	feedback_signer_address, feedback_signer_key, feedback_signer_approved,
	active, created_at, updated_at`

func (p *PostgresStore) GetBySlug(ctx context.Context, handle, slug string) (*AgentRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+`
		FROM agents WHERE lower(handle) = lower($1) AND lower(slug) = lower($2)
	`, handle, slug)
	return scanAgent(row)
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*AgentRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (p *PostgresStore) UpdateCachedOwner(ctx context.Context, id, owner string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET cached_owner = $1, updated_at = NOW()
		WHERE id = $2 AND cached_owner <> $1
	`, strings.ToLower(owner), id)
	if err != nil {
		return fmt.Errorf("failed to update cached owner: %w", err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	return nil
}

// Insert adds an agent row. Agent management lives elsewhere; this exists
// for seeding and tests.
func (p *PostgresStore) Insert(ctx context.Context, a *AgentRecord) error {
	var tokenID sql.NullString
	if a.TokenID != nil {
		tokenID = sql.NullString{String: a.TokenID.String(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, handle, slug, name, target_url, timeout_ms, price_cents,
			chain_id, token_id, payout_address, cached_owner, origin_secret,
			feedback_signer_address, feedback_signer_key, feedback_signer_approved, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.Handle, a.Slug, a.Name, a.TargetURL, a.TimeoutMs, a.PriceCents,
		a.ChainID, tokenID, strings.ToLower(a.PayoutAddress), strings.ToLower(a.CachedOwner), a.OriginSecret,
		strings.ToLower(a.FeedbackSigner.Address), a.FeedbackSigner.EncryptedKey, a.FeedbackSigner.Approved, a.Active)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var a AgentRecord
	var tokenID sql.NullString
	err := row.Scan(
		&a.ID, &a.Handle, &a.Slug, &a.Name, &a.TargetURL, &a.TimeoutMs, &a.PriceCents,
		&a.ChainID, &tokenID, &a.PayoutAddress, &a.CachedOwner, &a.OriginSecret,
		&a.FeedbackSigner.Address, &a.FeedbackSigner.EncryptedKey, &a.FeedbackSigner.Approved,
		&a.Active, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if tokenID.Valid {
		id, ok := new(big.Int).SetString(tokenID.String, 10)
		if !ok {
			return nil, fmt.Errorf("agent %s: invalid token_id %q", a.ID, tokenID.String)
		}
		a.TokenID = id
	}
	return &a, nil
}
