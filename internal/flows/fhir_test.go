package flows

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medbridge/medbridge/internal/faults"
	"github.com/medbridge/medbridge/internal/resource"
	"github.com/medbridge/medbridge/internal/transform"
)

func newFHIRHarness(t *testing.T, baseURL string) (*FHIRClient, *faults.Service) {
	t.Helper()

	manager, err := resource.NewManager(resource.ManagerConfig{
		SigningKey: []byte("signing-key"),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	manager.RegisterPool(resource.PoolConfig{
		ID:             "fhir-test",
		Type:           resource.PoolTypeFHIR,
		MaxConnections: 2,
	})

	engine := transform.NewEngine(transform.EngineConfig{Logger: zerolog.Nop()})
	t.Cleanup(engine.Shutdown)
	require.NoError(t, engine.AddMappingRule(&transform.MappingRule{
		SourceSystem: "emr",
		TargetSystem: "fhir",
		SourceField:  "patientId",
		TargetField:  "subject.reference",
		Type:         transform.TransformDirect,
		Active:       true,
	}))

	errs, err := faults.NewService(faults.ServiceConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(errs.Shutdown)

	client := NewFHIRClient(FHIRConfig{
		PoolID:        "fhir-test",
		BaseURL:       baseURL,
		ClientID:      "medbridge-test",
		TokenAudience: baseURL + "/token",
		ClientSecret:  []byte("client-secret"),
		SourceSystem:  "emr",
		RateLimit:     resource.RateLimitConfig{WindowMs: 60000, MaxRequests: 100},
		Logger:        zerolog.Nop(),
	}, manager, engine, errs)

	return client, errs
}

func TestFHIRClient_SubmitResource(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, _ := newFHIRHarness(t, server.URL)

	intErr, err := client.SubmitResource(context.Background(), "Observation", map[string]interface{}{
		"patientId": "Patient/p-1",
	})
	require.NoError(t, err)
	assert.Nil(t, intErr)

	assert.Equal(t, "/Observation", gotPath)
	assert.Equal(t, "application/fhir+json", gotContentType)

	// The bearer token is a verifiable SMART backend-services assertion.
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return []byte("client-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "medbridge-test", claims["iss"])
	assert.Equal(t, server.URL+"/token", claims["aud"])
}

func TestFHIRClient_ServerErrorRoutedToErrorService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"resourceType":"OperationOutcome"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client, errs := newFHIRHarness(t, server.URL)

	intErr, err := client.SubmitResource(context.Background(), "Observation", map[string]interface{}{
		"patientId": "Patient/p-1",
	})
	require.Error(t, err)
	require.NotNil(t, intErr)

	assert.Equal(t, faults.TypeValidation, intErr.Type)
	// Patient context promotes severity.
	assert.Equal(t, faults.SeverityHigh, intErr.Severity)
	assert.Equal(t, "Patient/p-1", intErr.Context.PatientID)

	tracked, lookupErr := errs.GetError(intErr.ID)
	require.NoError(t, lookupErr)
	assert.Equal(t, intErr.ID, tracked.ID)
}

func TestFHIRClient_RateLimitRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, _ := newFHIRHarness(t, server.URL)
	client.cfg.RateLimit = resource.RateLimitConfig{WindowMs: 60000, MaxRequests: 1}

	record := map[string]interface{}{"patientId": "Patient/p-1"}
	_, err := client.SubmitResource(context.Background(), "Observation", record)
	require.NoError(t, err)

	intErr, err := client.SubmitResource(context.Background(), "Observation", record)
	require.Error(t, err)
	require.NotNil(t, intErr)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestFHIRClient_TransformFailureShortCircuits(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, _ := newFHIRHarness(t, server.URL)
	client.cfg.SourceSystem = "system-without-rules"

	intErr, err := client.SubmitResource(context.Background(), "Observation", map[string]interface{}{
		"patientId": "Patient/p-1",
	})
	require.Error(t, err)
	require.NotNil(t, intErr)
	assert.Equal(t, 0, requests, "nothing should reach the server")
}
