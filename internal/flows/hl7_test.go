package flows

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resource"
)

// startMLLPListener accepts one connection per message and replies with a
// framed ACK payload.
func startMLLPListener(t *testing.T, ack []byte) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for {
					raw, err := reader.ReadBytes(mllpEndBlock)
					if err != nil {
						return
					}
					if _, err := reader.ReadByte(); err != nil { // trailing CR
						return
					}
					_ = raw

					frame := append([]byte{mllpStartBlock}, ack...)
					frame = append(frame, mllpEndBlock, mllpCarriage)
					if _, err := c.Write(frame); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func newHL7Harness(t *testing.T, endpoint string) (*HL7Sender, *resource.Manager) {
	t.Helper()

	manager, err := resource.NewManager(resource.ManagerConfig{
		SigningKey: []byte("signing-key"),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	manager.RegisterPool(resource.PoolConfig{
		ID:             "hl7-test",
		Type:           resource.PoolTypeHL7MLLP,
		MaxConnections: 2,
	})

	errs, err := faults.NewService(faults.ServiceConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(errs.Shutdown)

	sender := NewHL7Sender(HL7Config{
		PoolID:   "hl7-test",
		Endpoint: endpoint,
		Logger:   zerolog.Nop(),
	}, manager, errs)

	return sender, manager
}

func TestHL7Sender_SendReceivesAck(t *testing.T) {
	ackPayload := []byte("MSH|^~\\&|RCV|FAC|SND|FAC|20240101||ACK^A01|1|P|2.5\rMSA|AA|42")
	endpoint := startMLLPListener(t, ackPayload)

	sender, _ := newHL7Harness(t, endpoint)

	message := []byte("MSH|^~\\&|SND|FAC|RCV|FAC|20240101||ADT^A01|42|P|2.5\rPID|1||12345")
	ack, intErr, err := sender.Send(context.Background(), message)
	require.NoError(t, err)
	assert.Nil(t, intErr)
	assert.Equal(t, ackPayload, ack)
	assert.True(t, bytes.Contains(ack, []byte("MSA|AA")))
}

func TestHL7Sender_ReusesConnectionAcrossSends(t *testing.T) {
	endpoint := startMLLPListener(t, []byte("MSA|AA|1"))
	sender, manager := newHL7Harness(t, endpoint)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, intErr, err := sender.Send(ctx, []byte("MSH|test"))
		require.NoError(t, err)
		require.Nil(t, intErr)
	}

	health := manager.GetHealthStatus()
	assert.Equal(t, resource.HealthUp, health.Status)
}

func TestHL7Sender_UnreachableEndpoint(t *testing.T) {
	// A listener that is closed immediately guarantees a dial failure.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := ln.Addr().String()
	ln.Close()

	sender, _ := newHL7Harness(t, endpoint)

	_, intErr, sendErr := sender.Send(context.Background(), []byte("MSH|test"))
	require.Error(t, sendErr)
	require.NotNil(t, intErr)
	assert.Equal(t, faults.TypeNetwork, intErr.Type)
	assert.Equal(t, "hl7:hl7-test", intErr.Source)
}
