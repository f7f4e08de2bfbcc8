// Package flows contains the thin integration clients that drive the
// resource, transformation, and error layers against external healthcare
// systems: FHIR REST servers, HL7v2 MLLP listeners, and Direct-style secure
// messaging endpoints.
package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resilience"
	"github.com/medbridge/medbridge/internal/resource"
	"github.com/medbridge/medbridge/internal/transform"
)

// FHIRConfig holds configuration for the FHIR flow.
type FHIRConfig struct {
	// PoolID is the resource pool connections are drawn from.
	PoolID string

	// BaseURL is the FHIR server root (".../fhir/R4").
	BaseURL string

	// ClientID identifies this system for SMART backend-services auth.
	ClientID string

	// TokenAudience is the token endpoint URL the client assertion is
	// addressed to.
	TokenAudience string

	// ClientSecret signs the client assertion (HS256).
	ClientSecret []byte

	// SourceSystem names the internal schema records arrive in.
	SourceSystem string

	// RateLimit applies per FHIR server.
	RateLimit resource.RateLimitConfig

	Logger zerolog.Logger
}

// FHIRClient submits transformed records to a FHIR server through the
// resilient transport, routing failures into the error service.
type FHIRClient struct {
	cfg     FHIRConfig
	manager *resource.Manager
	engine  *transform.Engine
	errs    *faults.Service
	client  *resilience.Client
	logger  zerolog.Logger
}

// NewFHIRClient creates a FHIR flow client.
func NewFHIRClient(cfg FHIRConfig, manager *resource.Manager, engine *transform.Engine, errs *faults.Service) *FHIRClient {
	return &FHIRClient{
		cfg:     cfg,
		manager: manager,
		engine:  engine,
		errs:    errs,
		client:  resilience.NewClient(resilience.DefaultClientConfig("fhir-" + cfg.PoolID)),
		logger:  cfg.Logger,
	}
}

// SubmitResource transforms a record into the FHIR target schema and POSTs
// it to the server. Failures are classified and scheduled by the error
// service; the returned IntegrationError is nil on success.
func (c *FHIRClient) SubmitResource(ctx context.Context, resourceType string, record map[string]interface{}) (*faults.IntegrationError, error) {
	limit := c.manager.CheckRateLimit("fhir:"+c.cfg.PoolID, c.cfg.RateLimit, nil)
	if !limit.Allowed {
		err := fmt.Errorf("rate limit exceeded for fhir pool %s, resets at %s", c.cfg.PoolID, limit.ResetTime.Format(time.RFC3339))
		return c.fail(err, record, nil), err
	}

	result := c.engine.Transform(record, transform.MappingContext{
		SourceSystem:   c.cfg.SourceSystem,
		TargetSystem:   "fhir",
		ValidateTarget: true,
	})
	if !result.Success {
		err := fmt.Errorf("transformation to fhir failed: %d errors", len(result.Errors))
		return c.fail(err, record, nil), err
	}

	conn, err := c.manager.AcquireConnection(ctx, c.cfg.PoolID, c.cfg.BaseURL)
	if err != nil {
		return c.fail(err, record, nil), err
	}

	status, err := c.post(ctx, resourceType, result.Data)
	if relErr := c.manager.ReleaseConnection(ctx, conn, err != nil); relErr != nil {
		c.logger.Debug().Err(relErr).Msg("releasing fhir connection")
	}
	if err != nil {
		return c.fail(err, record, &status), err
	}

	c.logger.Info().
		Str("resource_type", resourceType).
		Int("status", status).
		Msg("fhir resource submitted")
	return nil, nil
}

func (c *FHIRClient) fail(err error, record map[string]interface{}, httpStatus *int) *faults.IntegrationError {
	errCtx := faults.ErrorContext{
		OperationID: "fhir-submit",
		Request:     record,
	}
	if httpStatus != nil {
		errCtx.HTTPStatus = *httpStatus
	}
	if pid, ok := record["patientId"].(string); ok {
		errCtx.PatientID = pid
	}
	return c.errs.HandleError(err, "fhir:"+c.cfg.PoolID, errCtx, nil)
}

func (c *FHIRClient) post(ctx context.Context, resourceType string, payload map[string]interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal fhir resource: %w", err)
	}

	assertion, err := c.clientAssertion()
	if err != nil {
		return 0, err
	}

	url := c.cfg.BaseURL + "/" + resourceType
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build fhir request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("fhir server returned %d: %s", resp.StatusCode, snippet)
	}
	return resp.StatusCode, nil
}

// clientAssertion builds the short-lived SMART backend-services JWT.
func (c *FHIRClient) clientAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.cfg.ClientID,
		"sub": c.cfg.ClientID,
		"aud": c.cfg.TokenAudience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.cfg.ClientSecret)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
