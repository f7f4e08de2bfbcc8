package resource

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope validation errors.
var (
	// ErrEnvelopeInvalid is returned when required envelope fields are missing.
	ErrEnvelopeInvalid = errors.New("invalid message envelope")

	// ErrSignatureMismatch is returned when the envelope signature does not verify.
	ErrSignatureMismatch = errors.New("envelope signature mismatch")
)

// maxEnvelopeAge is the age past which a validated envelope draws a warning.
const maxEnvelopeAge = 5 * time.Minute

// MessageEnvelope is the standardized wrapper around an integration payload,
// carrying routing and correlation metadata plus an optional HMAC signature.
type MessageEnvelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Version       string            `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source"`
	Destination   string            `json:"destination"`
	CorrelationID string            `json:"correlation_id"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       interface{}       `json:"payload"`
	Signature     string            `json:"signature,omitempty"`
}

// EnvelopeOptions control envelope construction.
type EnvelopeOptions struct {
	Source        string
	Destination   string
	CorrelationID string
	Headers       map[string]string
	Version       string
	Sign          bool
}

// EnvelopeValidation is the outcome of validating a received envelope.
type EnvelopeValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Enveloper builds and validates signed message envelopes using a
// service-wide HMAC-SHA256 signing key.
type Enveloper struct {
	signingKey []byte
	now        func() time.Time
}

// NewEnveloper creates an enveloper with the given signing key.
func NewEnveloper(signingKey []byte) *Enveloper {
	return &Enveloper{
		signingKey: signingKey,
		now:        time.Now,
	}
}

// Create builds an envelope for the payload. When opts.Sign is set, an HMAC
// over the canonical {id, type, timestamp, payload} subset is attached.
func (e *Enveloper) Create(msgType string, payload interface{}, opts EnvelopeOptions) (*MessageEnvelope, error) {
	version := opts.Version
	if version == "" {
		version = "1.0"
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	env := &MessageEnvelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		Version:       version,
		Timestamp:     e.now().UTC(),
		Source:        opts.Source,
		Destination:   opts.Destination,
		CorrelationID: correlationID,
		Headers:       opts.Headers,
		Payload:       payload,
	}

	if opts.Sign {
		sig, err := e.sign(env)
		if err != nil {
			return nil, err
		}
		env.Signature = sig
	}

	return env, nil
}

// Validate checks required fields, recomputes the signature when one is
// present, and flags stale envelopes (older than 5 minutes) as a warning.
func (e *Enveloper) Validate(env *MessageEnvelope) EnvelopeValidation {
	result := EnvelopeValidation{Valid: true}

	if env.ID == "" {
		result.Errors = append(result.Errors, "missing id")
	}
	if env.Type == "" {
		result.Errors = append(result.Errors, "missing type")
	}
	if env.Timestamp.IsZero() {
		result.Errors = append(result.Errors, "missing timestamp")
	}
	if env.Payload == nil {
		result.Errors = append(result.Errors, "missing payload")
	}

	if len(result.Errors) > 0 {
		result.Valid = false
		return result
	}

	if env.Signature != "" {
		expected, err := e.sign(env)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("signature check: %v", err))
			return result
		}
		if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
			result.Valid = false
			result.Errors = append(result.Errors, ErrSignatureMismatch.Error())
			return result
		}
	}

	if e.now().Sub(env.Timestamp) > maxEnvelopeAge {
		result.Warnings = append(result.Warnings, "envelope older than 5 minutes")
	}

	return result
}

// sign computes the hex HMAC-SHA256 over the canonical field subset.
func (e *Enveloper) sign(env *MessageEnvelope) (string, error) {
	payload, err := normalizePayload(env.Payload)
	if err != nil {
		return "", err
	}

	canonical := struct {
		ID        string      `json:"id"`
		Type      string      `json:"type"`
		Timestamp time.Time   `json:"timestamp"`
		Payload   interface{} `json:"payload"`
	}{env.ID, env.Type, env.Timestamp, payload}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// normalizePayload round-trips the payload through JSON so the signed bytes
// do not depend on the payload's in-memory shape. A sender signs a live
// struct; a receiver recomputes over a decoded map. The round trip reduces
// both to the same form: maps marshal with sorted keys.
func normalizePayload(payload interface{}) (interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return normalized, nil
}
