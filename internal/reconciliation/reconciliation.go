// Package reconciliation sweeps the payment ledger for calls that were
// verified but never settled and re-announces them on the event stream.
//
// A row stays at status verified in two cases: settlement was attempted
// and never confirmed (finalized, error code SETTLEMENT_FAILED), or the
// gateway stopped between verification and finalize (not finalized). Both
// need an operator or a consumer to check the chain for the authorization.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/events"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/pagination"
)

const (
	// DefaultGrace keeps in-flight calls out of the sweep. It is larger than
	// the longest possible forward timeout plus settlement retries.
	DefaultGrace = 10 * time.Minute

	// DefaultLookback is how far back the first sweep after startup reaches.
	DefaultLookback = 24 * time.Hour

	pageSize = 200
)

// UnsettledLister is the ledger read the sweep needs.
type UnsettledLister interface {
	ListUnsettled(ctx context.Context, after pagination.Cursor, to time.Time, limit int) ([]*ledger.PaymentRecord, error)
}

// Result summarizes one sweep.
type Result struct {
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	Unsettled        int       `json:"unsettled"`
	Abandoned        int       `json:"abandoned"`
	SettlementFailed int       `json:"settlementFailed"`
}

// Sweeper scans successive windows of the ledger. Each row is reported
// once per process; a restart rescans the lookback window.
type Sweeper struct {
	store  UnsettledLister
	events *events.Emitter
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time

	mu   sync.Mutex
	from time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithGrace sets how old a row must be before it is considered stuck.
func WithGrace(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithClock replaces time.Now (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper whose first window starts lookback before
// the grace cutoff.
func NewSweeper(store UnsettledLister, emitter *events.Emitter, logger *slog.Logger, lookback time.Duration, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	s := &Sweeper{
		store:  store,
		events: emitter,
		logger: logger,
		grace:  DefaultGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.from = s.now().Add(-s.grace - lookback)
	return s
}

// Run sweeps [last cutoff, now-grace). The window only advances when the
// whole window was read, so a failed run is retried by the next one.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	to := s.now().Add(-s.grace)
	res := &Result{From: s.from, To: to}
	if !to.After(s.from) {
		return res, nil
	}

	// keyset on (created_at, request_id)
	cursor := pagination.Cursor{CreatedAt: s.from}
	for {
		recs, err := s.store.ListUnsettled(ctx, cursor, to, pageSize)
		if err != nil {
			reconcileErrors.Inc()
			return res, fmt.Errorf("reconciliation: list unsettled: %w", err)
		}
		for _, rec := range recs {
			s.report(ctx, rec, res)
		}
		if len(recs) < pageSize {
			break
		}
		last := recs[len(recs)-1]
		cursor = pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.RequestID}
	}

	s.from = to
	reconcileUnsettled.Set(float64(res.Unsettled))
	if res.Unsettled > 0 {
		s.logger.Warn("unsettled payments found",
			"unsettled", res.Unsettled, "abandoned", res.Abandoned,
			"settlement_failed", res.SettlementFailed, "from", res.From, "to", res.To)
	}
	return res, nil
}

func (s *Sweeper) report(ctx context.Context, rec *ledger.PaymentRecord, res *Result) {
	res.Unsettled++
	finalized := rec.FinalizedAt != nil
	if finalized {
		res.SettlementFailed++
	} else {
		res.Abandoned++
	}
	s.logger.Warn("payment requires reconciliation",
		"request_id", rec.RequestID, "agent_id", rec.AgentID, "chain_id", rec.ChainID,
		"payer", rec.Payer, "amount", rec.Amount, "error_code", rec.ErrorCode,
		"finalized", finalized, "reconcile", true)
	s.events.EmitReconcileRequired(ctx, events.Payment{
		RequestID: rec.RequestID,
		AgentID:   rec.AgentID,
		ChainID:   rec.ChainID,
		Payer:     rec.Payer,
		Recipient: rec.Recipient,
		Amount:    rec.Amount,
	}, rec.ErrorCode, finalized)
}
