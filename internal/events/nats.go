// Package events publishes settlement outcomes to NATS so downstream
// consumers (notably the reconciliation backfill pass) can react without
// coupling to the settlement path.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/models"
)

// Subjects configures the NATS subjects events are published on.
type Subjects struct {
	Settled           string `yaml:"settled"`
	ReconciliationGap string `yaml:"reconciliation_gap"`
}

// Publisher emits settlement lifecycle events. Publishing is fire-and-forget
// from the settlement path's perspective; failures are logged, never
// propagated into a payment outcome.
type Publisher interface {
	Settled(ev models.SettlementEvent)
	ReconciliationGap(ev models.ReconciliationGapEvent)
}

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	nc       *nats.Conn
	subjects Subjects
	logger   *zap.Logger
}

// Connect establishes a NATS connection with reconnect handling and returns
// a publisher bound to it.
func Connect(address string, subjects Subjects, logger *zap.Logger) (*NATSPublisher, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", address))

	nc, err := nats.Connect(
		address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second*2),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", address, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return &NATSPublisher{nc: nc, subjects: subjects, logger: logger}, nil
}

// Settled publishes a confirmed settlement.
func (p *NATSPublisher) Settled(ev models.SettlementEvent) {
	p.publish(p.subjects.Settled, ev)
}

// ReconciliationGap publishes a ledger gap for the backfill pass.
func (p *NATSPublisher) ReconciliationGap(ev models.ReconciliationGapEvent) {
	p.publish(p.subjects.ReconciliationGap, ev)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

func (p *NATSPublisher) publish(subject string, payload interface{}) {
	if subject == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// NoopPublisher discards all events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Settled(models.SettlementEvent) {}

func (NoopPublisher) ReconciliationGap(models.ReconciliationGapEvent) {}
