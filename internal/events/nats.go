package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject,
// e.g. "paygate.payment.settled".
const DefaultSubjectPrefix = "paygate"

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS dials url and keeps reconnecting forever once connected.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("paygate"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: DefaultSubjectPrefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return subject(p.prefix, t)
}

func subject(prefix string, t EventType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(t)
}

// Publish serializes event and hands it to the connection's outbound buffer.
func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", event.Type, err)
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

// Ping flushes the connection, for health checks.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
