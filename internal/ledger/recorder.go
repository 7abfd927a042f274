package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/paygate/internal/logging"
)

// Recorder writes ledger rows on the request path. Write failures are
// logged and counted but never returned: a broken ledger must not fail a
// call that has already been served.
type Recorder struct {
	store Store
}

// NewRecorder wraps store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying store for read paths.
func (r *Recorder) Store() Store {
	return r.store
}

// Begin opens the record. Returns false if the write failed.
func (r *Recorder) Begin(ctx context.Context, rec *PaymentRecord) bool {
	start := time.Now()
	err := r.store.Begin(ctx, rec)
	observe("begin", start, err)
	if err != nil {
		logging.FromContext(ctx).Error("ledger begin failed",
			"request_id", rec.RequestID, "agent_id", rec.AgentID, "error", err)
		return false
	}
	return true
}

// Finalize records the terminal outcome.
func (r *Recorder) Finalize(ctx context.Context, requestID string, out Outcome) {
	start := time.Now()
	err := r.store.Finalize(ctx, requestID, out)
	observe("finalize", start, err)
	if err != nil {
		level := slog.LevelError
		if out.Status == StatusVerified {
			// settlement never confirmed; reconciliation picks these up
			level = slog.LevelWarn
		}
		logging.FromContext(ctx).Log(ctx, level, "ledger finalize failed",
			"request_id", requestID, "status", out.Status, "tx_hash", out.TxHash, "error", err)
	}
}

// ReserveFeedbackIndex passes through to the store. Unlike the writes above
// the caller needs the error to decide whether to issue feedback.
func (r *Recorder) ReserveFeedbackIndex(ctx context.Context, agentID, client string, floor uint64) (uint64, error) {
	start := time.Now()
	idx, err := r.store.ReserveFeedbackIndex(ctx, agentID, client, floor)
	observe("reserve_feedback_index", start, err)
	return idx, err
}
