package resilience_test

import (
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medbridge/medbridge/internal/resilience"
)

func newRegisteredClient(registry *resilience.Registry, name string) *resilience.Client {
	client := resilience.NewClient(resilience.DefaultClientConfig(name))
	registry.Register(name, client)
	return client
}

func TestRegistry_RegisterAndGetHealth(t *testing.T) {
	registry := resilience.NewRegistry()
	newRegisteredClient(registry, "fhir-upstream")

	assert.Equal(t, 1, registry.EndpointCount())

	health := registry.GetHealth("fhir-upstream")
	require.NotNil(t, health)
	assert.Equal(t, "fhir-upstream", health.Name)
	assert.Equal(t, gobreaker.StateClosed, health.CircuitState)
	assert.True(t, health.IsHealthy())
	assert.False(t, health.IsDegraded())
	assert.False(t, health.IsUnhealthy())
}

func TestRegistry_Unregister(t *testing.T) {
	registry := resilience.NewRegistry()
	newRegisteredClient(registry, "fhir-upstream")

	assert.Equal(t, 1, registry.EndpointCount())

	registry.Unregister("fhir-upstream")

	assert.Equal(t, 0, registry.EndpointCount())
	assert.Nil(t, registry.GetHealth("fhir-upstream"))
}

func TestRegistry_RecordSuccess(t *testing.T) {
	registry := resilience.NewRegistry()
	newRegisteredClient(registry, "fhir-upstream")

	health := registry.GetHealth("fhir-upstream")
	require.NotNil(t, health)
	assert.Nil(t, health.LastSuccessAt)

	registry.RecordSuccess("fhir-upstream")

	health = registry.GetHealth("fhir-upstream")
	require.NotNil(t, health)
	require.NotNil(t, health.LastSuccessAt)
	assert.WithinDuration(t, time.Now(), *health.LastSuccessAt, time.Second)
}

func TestRegistry_RecordFailure(t *testing.T) {
	registry := resilience.NewRegistry()
	newRegisteredClient(registry, "fhir-upstream")

	health := registry.GetHealth("fhir-upstream")
	require.NotNil(t, health)
	assert.Nil(t, health.LastFailureAt)
	assert.Empty(t, health.LastError)

	registry.RecordFailure("fhir-upstream", assert.AnError)

	health = registry.GetHealth("fhir-upstream")
	require.NotNil(t, health)
	require.NotNil(t, health.LastFailureAt)
	assert.WithinDuration(t, time.Now(), *health.LastFailureAt, time.Second)
	assert.Equal(t, assert.AnError.Error(), health.LastError)
}

func TestRegistry_GetAllHealth(t *testing.T) {
	registry := resilience.NewRegistry()

	for _, name := range []string{"fhir-upstream", "hl7-gateway", "direct-hisp"} {
		newRegisteredClient(registry, name)
	}

	healthList := registry.GetAllHealth()
	assert.Len(t, healthList, 3)

	names := make(map[string]bool)
	for _, h := range healthList {
		names[h.Name] = true
		assert.Equal(t, gobreaker.StateClosed, h.CircuitState)
	}

	assert.True(t, names["fhir-upstream"])
	assert.True(t, names["hl7-gateway"])
	assert.True(t, names["direct-hisp"])
}

func TestRegistry_EndpointNames(t *testing.T) {
	registry := resilience.NewRegistry()

	assert.Empty(t, registry.EndpointNames())

	for _, name := range []string{"fhir-upstream", "hl7-gateway"} {
		newRegisteredClient(registry, name)
	}

	names := registry.EndpointNames()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "fhir-upstream")
	assert.Contains(t, names, "hl7-gateway")
}

func TestRegistry_GetHealthNotFound(t *testing.T) {
	registry := resilience.NewRegistry()
	assert.Nil(t, registry.GetHealth("nonexistent"))
}

func TestRegistry_RecordNotFound(t *testing.T) {
	registry := resilience.NewRegistry()

	// Neither call should panic for unknown endpoints.
	registry.RecordSuccess("nonexistent")
	registry.RecordFailure("nonexistent", assert.AnError)
}

func TestEndpointHealth_States(t *testing.T) {
	tests := []struct {
		state       gobreaker.State
		isHealthy   bool
		isDegraded  bool
		isUnhealthy bool
	}{
		{gobreaker.StateClosed, true, false, false},
		{gobreaker.StateHalfOpen, false, true, false},
		{gobreaker.StateOpen, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := &resilience.EndpointHealth{CircuitState: tt.state}
			assert.Equal(t, tt.isHealthy, h.IsHealthy())
			assert.Equal(t, tt.isDegraded, h.IsDegraded())
			assert.Equal(t, tt.isUnhealthy, h.IsUnhealthy())
		})
	}
}
