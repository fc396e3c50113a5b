package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds the bus connection settings.
type NATSConfig struct {
	// URL is the NATS server address.
	// Default: "nats://localhost:4222"
	URL string

	// MaxReconnects bounds reconnection attempts after a drop.
	// Default: 5
	MaxReconnects int

	// ReconnectWait is the delay between reconnection attempts.
	// Default: 1s
	ReconnectWait time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *NATSConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = time.Second
	}
}

// NATSPublisher publishes events to NATS subjects.
//
// Publishes are asynchronous at the NATS client level; an error here means
// the event could not even be queued locally.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials the bus and returns a publisher over the connection.
func Connect(config NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	nc, err := nats.Connect(config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", config.URL, err)
	}

	logger.Info("connected to NATS", zap.String("url", config.URL))

	return NewNATSPublisher(nc, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// Conn exposes the underlying connection for subscribers sharing it.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// PublishOutcome emits a run outcome event.
func (p *NATSPublisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	return p.publish(SubjectOutcomes, event)
}

// PublishStageTiming emits a stage timing event.
func (p *NATSPublisher) PublishStageTiming(ctx context.Context, event StageTimingEvent) error {
	return p.publish(SubjectTelemetry, event)
}

func (p *NATSPublisher) publish(subject string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection so queued events flush before shutdown.
func (p *NATSPublisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

var _ Publisher = (*NATSPublisher)(nil)
