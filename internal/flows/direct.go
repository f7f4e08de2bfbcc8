package flows

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resource"
)

// DirectConfig holds configuration for the Direct-style secure messaging flow.
type DirectConfig struct {
	// PoolID is the message-queue resource pool.
	PoolID string

	// ProjectID is the queue endpoint (GCP project).
	ProjectID string

	// TopicID is the outbound message topic.
	TopicID string

	// Source is this system's Direct address, stamped on envelopes.
	Source string

	// EncryptionKeyID selects the payload encryption key. Empty uses "default".
	EncryptionKeyID string

	Logger zerolog.Logger
}

// DirectMessenger dispatches signed, encrypted message envelopes to the
// outbound queue. Certificate/trust-bundle handling lives with the HISP
// boundary, not here.
type DirectMessenger struct {
	cfg     DirectConfig
	manager *resource.Manager
	errs    *faults.Service
	logger  zerolog.Logger
}

// NewDirectMessenger creates a Direct messaging flow.
func NewDirectMessenger(cfg DirectConfig, manager *resource.Manager, errs *faults.Service) *DirectMessenger {
	return &DirectMessenger{
		cfg:     cfg,
		manager: manager,
		errs:    errs,
		logger:  cfg.Logger,
	}
}

// Send encrypts the payload, wraps it in a signed envelope, and publishes
// it to the outbound topic via a pooled queue connection.
func (m *DirectMessenger) Send(ctx context.Context, destination string, payload []byte) (*faults.IntegrationError, error) {
	sealed, err := m.manager.EncryptData(payload, m.cfg.EncryptionKeyID)
	if err != nil {
		return m.fail(err), err
	}

	env, err := m.manager.CreateMessageEnvelope("direct-message", sealed, resource.EnvelopeOptions{
		Source:      m.cfg.Source,
		Destination: destination,
		Sign:        true,
	})
	if err != nil {
		return m.fail(err), err
	}

	conn, err := m.manager.AcquireConnection(ctx, m.cfg.PoolID, m.cfg.ProjectID)
	if err != nil {
		return m.fail(err), err
	}

	err = m.publish(ctx, conn, env)
	if relErr := m.manager.ReleaseConnection(ctx, conn, err != nil); relErr != nil {
		m.logger.Debug().Err(relErr).Msg("releasing queue connection")
	}
	if err != nil {
		return m.fail(err), err
	}

	m.logger.Info().
		Str("envelope_id", env.ID).
		Str("destination", destination).
		Msg("direct message dispatched")
	return nil, nil
}

func (m *DirectMessenger) publish(ctx context.Context, conn *resource.Connection, env *resource.MessageEnvelope) error {
	queue, ok := conn.Transport.(*resource.QueueTransport)
	if !ok {
		return fmt.Errorf("pool %s handed out a %T, want queue transport", m.cfg.PoolID, conn.Transport)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	result := queue.Client.Publisher(m.cfg.TopicID).Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"destination":    env.Destination,
			"correlation_id": env.CorrelationID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish direct message: %w", err)
	}
	return nil
}

func (m *DirectMessenger) fail(err error) *faults.IntegrationError {
	return m.errs.HandleError(err, "direct:"+m.cfg.PoolID, faults.ErrorContext{
		OperationID: "direct-send",
	}, nil)
}
