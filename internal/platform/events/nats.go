package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Connect opens a NATS connection that reconnects on its own and logs
// connection state changes.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	logger.Info().Str("url", url).Str("name", name).Msg("connecting to nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return nc, nil
}

// NATSPublisher publishes JSON payloads to NATS subjects, optionally under a
// prefix ("ehr" turns cdshook.trigger.x into ehr.cdshook.trigger.x).
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the NATS subject used for subject.
func (p *NATSPublisher) Subject(subject string) string {
	if p.prefix == "" {
		return subject
	}
	return p.prefix + "." + subject
}

// Publish encodes payload as JSON and publishes it. Delivery is fire and
// forget, like any core NATS publish.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", subject, err)
	}
	full := p.Subject(subject)
	if err := p.nc.Publish(full, data); err != nil {
		p.logger.Error().Err(err).Str("subject", full).Msg("failed to publish event")
		return err
	}
	p.logger.Debug().Str("subject", full).Msg("published event")
	return nil
}
