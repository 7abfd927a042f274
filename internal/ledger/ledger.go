// Package ledger records one row per paid call attempt.
//
// A row is written with status "verified" once the payment checks out and
// is finalized exactly once: "settled" when funds moved, "failed" when the
// call was not charged, or left "verified" when settlement was attempted
// and never confirmed.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/paygate/internal/pagination"
)

var (
	ErrNotFound = errors.New("ledger: payment record not found")

	// ErrFinalizeConflict means the record was already finalized with a
	// different outcome.
	ErrFinalizeConflict = errors.New("ledger: record already finalized with a different outcome")

	ErrInvalidStatus = errors.New("ledger: invalid status")
)

// Status of a payment record.
type Status string

const (
	StatusVerified Status = "verified"
	StatusSettled  Status = "settled"
	StatusFailed   Status = "failed"
)

func (s Status) valid() bool {
	return s == StatusVerified || s == StatusSettled || s == StatusFailed
}

// PaymentRecord is one call attempt.
type PaymentRecord struct {
	RequestID     string     `json:"requestId"`
	AgentID       string     `json:"agentId"`
	ChainID       int64      `json:"chainId"`
	Network       string     `json:"network"`
	Payer         string     `json:"payer"`
	Recipient     string     `json:"recipient"`
	Amount        string     `json:"amount"`
	Asset         string     `json:"asset"`
	Status        Status     `json:"status"`
	TxHash        string     `json:"txHash,omitempty"`
	HTTPStatus    int        `json:"httpStatus,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	VerifyMs      int64      `json:"verifyMs"`
	ForwardMs     int64      `json:"forwardMs"`
	SettleMs      int64      `json:"settleMs"`
	TotalMs       int64      `json:"totalMs"`
	FeedbackIndex uint64     `json:"feedbackIndex,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

// Outcome is the terminal state written by Finalize.
type Outcome struct {
	Status        Status
	TxHash        string
	HTTPStatus    int
	ErrorCode     string
	ForwardMs     int64
	SettleMs      int64
	TotalMs       int64
	FeedbackIndex uint64
}

// Store persists payment records.
type Store interface {
	// Begin inserts rec with status verified. Inserting an existing
	// request id is a no-op.
	Begin(ctx context.Context, rec *PaymentRecord) error

	// Finalize is a compare-and-swap on the record still being open. A
	// writer that loses the race gets nil if the stored outcome has the
	// same status and tx hash, ErrFinalizeConflict otherwise.
	Finalize(ctx context.Context, requestID string, out Outcome) error

	Get(ctx context.Context, requestID string) (*PaymentRecord, error)

	// ListByAgent returns up to limit records, newest first, strictly
	// after cursor when one is given.
	ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*PaymentRecord, error)

	// ListUnsettled returns up to limit records still at status verified,
	// ordered by (created_at, request_id) ascending, that sort after the
	// cursor and were created before to. A cursor with an empty ID
	// includes rows at exactly CreatedAt.
	ListUnsettled(ctx context.Context, after pagination.Cursor, to time.Time, limit int) ([]*PaymentRecord, error)

	// ReserveFeedbackIndex atomically reserves and returns
	// max(last reserved, floor) + 1 for (agentID, client).
	ReserveFeedbackIndex(ctx context.Context, agentID, client string, floor uint64) (uint64, error)
}

// sameOutcome is the idempotency check used by a losing finalize.
func sameOutcome(rec *PaymentRecord, out Outcome) bool {
	return rec.Status == out.Status && rec.TxHash == out.TxHash
}
