// Package events publishes payment reconciliation events.
//
// Consumers use them to reconcile:
// - settled payments
// - calls the backend served without a settlement (ownership changed, settle failed)
// - ledger rows the reconciliation sweep found still open
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/idgen"
)

// EventType names a reconciliation event.
type EventType string

const (
	EventPaymentSettled    EventType = "payment.settled"
	EventOwnershipChanged  EventType = "payment.ownership_changed"
	EventSettlementFailed  EventType = "payment.settlement_failed"
	EventReconcileRequired EventType = "payment.reconcile_required"
)

// Event is the JSON envelope published for every event.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Publisher delivers events to a transport.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (m *MemoryPublisher) Publish(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a snapshot of everything published so far.
func (m *MemoryPublisher) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "events",
		Name:      "emit_total",
		Help:      "Reconciliation events emitted by type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "events",
		Name:      "emit_errors_total",
		Help:      "Reconciliation event publish failures by type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// publishTimeout bounds a single publish.
const publishTimeout = 5 * time.Second

// Emitter builds typed events and hands them to a Publisher.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	pub    Publisher
	logger *slog.Logger
}

// NewEmitter creates an emitter. A nil publisher discards events.
func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, logger: logger}
}

// Payment identifies the call an event is about.
type Payment struct {
	RequestID string
	AgentID   string
	ChainID   int64
	Payer     string
	Recipient string
	Amount    string
}

func (p Payment) data() map[string]any {
	return map[string]any{
		"requestId": p.RequestID,
		"agentId":   p.AgentID,
		"chainId":   p.ChainID,
		"payer":     p.Payer,
		"recipient": p.Recipient,
		"amount":    p.Amount,
	}
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, data map[string]any) {
	if e == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("event publish failed", "event", eventType, "request_id", data["requestId"], "error", err)
	}
}

// EmitSettled records a completed settlement.
func (e *Emitter) EmitSettled(ctx context.Context, p Payment, txHash string, alreadySettled bool) {
	data := p.data()
	data["transaction"] = txHash
	data["alreadySettled"] = alreadySettled
	e.emit(ctx, EventPaymentSettled, data)
}

// EmitOwnershipChanged records a call served for free because the agent
// token moved before settlement.
func (e *Emitter) EmitOwnershipChanged(ctx context.Context, p Payment, currentOwner string) {
	data := p.data()
	data["currentOwner"] = currentOwner
	e.emit(ctx, EventOwnershipChanged, data)
}

// EmitSettlementFailed records a call served without a completed settlement.
func (e *Emitter) EmitSettlementFailed(ctx context.Context, p Payment, reason string, attempts int) {
	data := p.data()
	data["errorReason"] = reason
	data["attempts"] = attempts
	e.emit(ctx, EventSettlementFailed, data)
}

// EmitReconcileRequired flags a ledger row that was verified but never
// settled. finalized is false when the gateway stopped mid-call.
func (e *Emitter) EmitReconcileRequired(ctx context.Context, p Payment, errorCode string, finalized bool) {
	data := p.data()
	data["errorCode"] = errorCode
	data["finalized"] = finalized
	e.emit(ctx, EventReconcileRequired, data)
}
