package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/warp/waste-balance-engine/balance"
)

// StreamName is the JetStream stream holding audit events.
const StreamName = "WASTE_BALANCE_EVENTS"

// JetStream publishes audit events to NATS JetStream.
type JetStream struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials url and returns a publisher with the stream ensured.
func Connect(ctx context.Context, url string, logger zerolog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if err := EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	return &JetStream{nc: nc, js: js}, nil
}

// EnsureStream creates the audit stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

func (p *JetStream) Publish(ctx context.Context, e balance.AuditEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	// The msg id lets JetStream drop duplicates of the same version.
	msgID := fmt.Sprintf("%s:%d", e.AccreditationID, e.Version)
	if _, err := p.js.Publish(ctx, Subject(e), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(e), err)
	}
	return nil
}

// Close drains the connection.
func (p *JetStream) Close() error {
	return p.nc.Drain()
}
