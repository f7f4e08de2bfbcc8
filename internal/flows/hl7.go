package flows

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resource"
)

// MLLP framing bytes. A message travels as SB <payload> EB CR.
const (
	mllpStartBlock = 0x0B
	mllpEndBlock   = 0x1C
	mllpCarriage   = 0x0D
)

// HL7Config holds configuration for the HL7v2 MLLP flow.
type HL7Config struct {
	// PoolID is the hl7-mllp resource pool.
	PoolID string

	// Endpoint is the listener address ("host:port").
	Endpoint string

	// AckTimeout bounds the wait for the receiving system's ACK.
	// Default: 15 seconds.
	AckTimeout time.Duration

	Logger zerolog.Logger
}

// HL7Sender delivers HL7v2 messages over pooled MLLP connections. Segment
// parsing stays with the caller; this flow owns framing and delivery only.
type HL7Sender struct {
	cfg     HL7Config
	manager *resource.Manager
	errs    *faults.Service
	logger  zerolog.Logger
}

// NewHL7Sender creates an MLLP sender.
func NewHL7Sender(cfg HL7Config, manager *resource.Manager, errs *faults.Service) *HL7Sender {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	return &HL7Sender{
		cfg:     cfg,
		manager: manager,
		errs:    errs,
		logger:  cfg.Logger,
	}
}

// Send frames the message, writes it to a pooled connection, and waits for
// the ACK frame. Failures release the connection as broken and are handed
// to the error service.
func (s *HL7Sender) Send(ctx context.Context, message []byte) ([]byte, *faults.IntegrationError, error) {
	conn, err := s.manager.AcquireConnection(ctx, s.cfg.PoolID, s.cfg.Endpoint)
	if err != nil {
		return nil, s.fail(err), err
	}

	tcp, ok := conn.Transport.(*resource.TCPTransport)
	if !ok {
		err := fmt.Errorf("pool %s handed out a %T, want TCP transport", s.cfg.PoolID, conn.Transport)
		_ = s.manager.ReleaseConnection(ctx, conn, true)
		return nil, s.fail(err), err
	}

	ack, err := s.exchange(tcp, message)
	if relErr := s.manager.ReleaseConnection(ctx, conn, err != nil); relErr != nil {
		s.logger.Debug().Err(relErr).Msg("releasing mllp connection")
	}
	if err != nil {
		return nil, s.fail(err), err
	}

	s.logger.Info().
		Str("endpoint", s.cfg.Endpoint).
		Int("message_bytes", len(message)).
		Msg("hl7 message delivered")
	return ack, nil, nil
}

func (s *HL7Sender) exchange(tcp *resource.TCPTransport, message []byte) ([]byte, error) {
	frame := make([]byte, 0, len(message)+3)
	frame = append(frame, mllpStartBlock)
	frame = append(frame, message...)
	frame = append(frame, mllpEndBlock, mllpCarriage)

	if err := tcp.Conn.SetDeadline(time.Now().Add(s.cfg.AckTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := tcp.Conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write mllp frame: %w", err)
	}

	reader := bufio.NewReader(tcp.Conn)
	raw, err := reader.ReadBytes(mllpEndBlock)
	if err != nil {
		return nil, fmt.Errorf("read mllp ack: %w", err)
	}
	// Consume the trailing carriage return.
	if _, err := reader.ReadByte(); err != nil {
		return nil, fmt.Errorf("read mllp ack terminator: %w", err)
	}

	ack := bytes.TrimPrefix(raw[:len(raw)-1], []byte{mllpStartBlock})
	return ack, nil
}

func (s *HL7Sender) fail(err error) *faults.IntegrationError {
	return s.errs.HandleError(err, "hl7:"+s.cfg.PoolID, faults.ErrorContext{
		OperationID: "hl7-send",
	}, nil)
}
