package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/paygate/internal/pagination"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Begin(ctx context.Context, rec *PaymentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_records (
			request_id, agent_id, chain_id, network, payer, recipient,
			amount, asset, status, verify_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(78,0), $8, 'verified', $9, COALESCE($10, NOW()))
		ON CONFLICT (request_id) DO NOTHING
	`, rec.RequestID, rec.AgentID, rec.ChainID, rec.Network,
		strings.ToLower(rec.Payer), strings.ToLower(rec.Recipient),
		rec.Amount, strings.ToLower(rec.Asset), rec.VerifyMs, nullTime(rec))
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Finalize(ctx context.Context, requestID string, out Outcome) error {
	if !out.Status.valid() {
		return ErrInvalidStatus
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_records SET
			status         = $2,
			tx_hash        = $3,
			http_status    = $4,
			error_code     = $5,
			forward_ms     = $6,
			settle_ms      = $7,
			total_ms       = $8,
			feedback_index = $9,
			finalized_at   = NOW()
		WHERE request_id = $1 AND finalized_at IS NULL
	`, requestID, string(out.Status), out.TxHash, out.HTTPStatus, out.ErrorCode,
		out.ForwardMs, out.SettleMs, out.TotalMs, int64(out.FeedbackIndex)) // #nosec G115 -- indexes are small
	if err != nil {
		return fmt.Errorf("failed to finalize payment record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Lost the race or the row does not exist: read back and compare.
	rec, err := p.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if sameOutcome(rec, out) {
		return nil
	}
	return ErrFinalizeConflict
}

const recordColumns = `
	request_id, agent_id, chain_id, network, payer, recipient, amount::TEXT, asset,
	status, tx_hash, http_status, error_code, verify_ms, forward_ms, settle_ms,
	total_ms, feedback_index, created_at, finalized_at`

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE request_id = $1`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `SELECT `+recordColumns+`
			FROM payment_records
			WHERE agent_id = $1 AND (created_at, request_id) < ($2, $3)
			ORDER BY created_at DESC, request_id DESC
			LIMIT $4
		`, agentID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+recordColumns+`
			FROM payment_records
			WHERE agent_id = $1
			ORDER BY created_at DESC, request_id DESC
			LIMIT $2
		`, agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list payment records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListUnsettled(ctx context.Context, after pagination.Cursor, to time.Time, limit int) ([]*PaymentRecord, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM payment_records
		WHERE status = 'verified' AND (created_at, request_id) > ($1, $2) AND created_at < $3
		ORDER BY created_at ASC, request_id ASC
		LIMIT $4
	`, after.CreatedAt, after.ID, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled payment records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ReserveFeedbackIndex(ctx context.Context, agentID, client string, floor uint64) (uint64, error) {
	var next int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO feedback_indexes (agent_id, client, last_index)
		VALUES ($1, $2, $3::BIGINT + 1)
		ON CONFLICT (agent_id, client) DO UPDATE SET
			last_index = GREATEST(feedback_indexes.last_index, $3::BIGINT) + 1,
			updated_at = NOW()
		RETURNING last_index
	`, agentID, strings.ToLower(client), int64(floor)).Scan(&next) // #nosec G115
	if err != nil {
		return 0, fmt.Errorf("failed to reserve feedback index: %w", err)
	}
	return uint64(next), nil // #nosec G115 -- CHECK (last_index > 0)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PaymentRecord, error) {
	var rec PaymentRecord
	var status string
	var feedbackIndex int64
	var finalizedAt sql.NullTime
	err := row.Scan(
		&rec.RequestID, &rec.AgentID, &rec.ChainID, &rec.Network, &rec.Payer, &rec.Recipient,
		&rec.Amount, &rec.Asset, &status, &rec.TxHash, &rec.HTTPStatus, &rec.ErrorCode,
		&rec.VerifyMs, &rec.ForwardMs, &rec.SettleMs, &rec.TotalMs, &feedbackIndex,
		&rec.CreatedAt, &finalizedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.FeedbackIndex = uint64(feedbackIndex) // #nosec G115
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedAt = &t
	}
	return &rec, nil
}

func nullTime(rec *PaymentRecord) sql.NullTime {
	return sql.NullTime{Time: rec.CreatedAt, Valid: !rec.CreatedAt.IsZero()}
}
