// Package resource provides the connection and resource layer for external
// healthcare integrations: bounded connection pools, sliding-window rate
// limiting, TTL caching, payload encryption, and signed message envelopes.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/medbridge/medbridge/internal/resilience"
)

const meterName = "github.com/medbridge/medbridge/internal/resource"

// PoolType identifies the kind of connection a pool hands out.
type PoolType string

// Supported pool types.
const (
	PoolTypeHTTP         PoolType = "http"
	PoolTypeTCP          PoolType = "tcp"
	PoolTypeDatabase     PoolType = "database"
	PoolTypeMessageQueue PoolType = "message-queue"
	PoolTypeHL7MLLP      PoolType = "hl7-mllp"
	PoolTypeFHIR         PoolType = "fhir"
)

// PoolStatus is the aggregate health of a pool.
type PoolStatus string

// Pool status values.
const (
	PoolStatusHealthy   PoolStatus = "healthy"
	PoolStatusDegraded  PoolStatus = "degraded"
	PoolStatusUnhealthy PoolStatus = "unhealthy"
)

// ConnectionStatus is the lifecycle state of a single pooled connection.
type ConnectionStatus string

// Connection status values.
const (
	ConnectionIdle   ConnectionStatus = "idle"
	ConnectionActive ConnectionStatus = "active"
	ConnectionError  ConnectionStatus = "error"
	ConnectionClosed ConnectionStatus = "closed"
)

// Predefined pool errors.
var (
	// ErrPoolNotFound is returned when acquiring from an unregistered pool.
	ErrPoolNotFound = errors.New("connection pool not found")

	// ErrConnectionNotFound is returned when releasing an unknown connection.
	ErrConnectionNotFound = errors.New("connection not found")
)

// PoolExhaustedError is returned when a pool has no idle connection for the
// requested endpoint and is already at its connection limit. Exhaustion is
// reported immediately; queuing policy is left to the caller.
type PoolExhaustedError struct {
	PoolID         string
	MaxConnections int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool %s exhausted: %d connections in use", e.PoolID, e.MaxConnections)
}

// Connection is a reusable connection to a single external endpoint.
type Connection struct {
	ID         string
	PoolID     string
	Endpoint   string
	Status     ConnectionStatus
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int64

	// Transport is the underlying protocol-specific handle.
	Transport Transport
}

// HealthCheckConfig controls the background health probe for a pool.
type HealthCheckConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration

	// Probe checks reachability of the pool's backing system. Required when
	// Enabled; a nil probe marks the pool unhealthy on the first cycle.
	Probe func(ctx context.Context) error
}

// PoolConfig describes a connection pool to register.
type PoolConfig struct {
	ID             string
	Type           PoolType
	MaxConnections int
	HealthCheck    HealthCheckConfig

	// Connector dials new connections when no idle one matches. Defaults by
	// pool type via DefaultConnector.
	Connector Connector
}

// ConnectionPool owns the live connections for one logical pool.
type ConnectionPool struct {
	mu sync.Mutex

	id             string
	poolType       PoolType
	maxConnections int
	connections    []*Connection
	active         int
	status         PoolStatus
	lastCheckedAt  time.Time
	healthCheck    HealthCheckConfig
	connector      Connector
	breaker        *gobreaker.CircuitBreaker[struct{}]
	exhaustions    metric.Int64Counter
	logger         zerolog.Logger
}

func newConnectionPool(cfg PoolConfig, logger zerolog.Logger) *ConnectionPool {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}

	connector := cfg.Connector
	if connector == nil {
		connector = DefaultConnector(cfg.Type)
	}

	hc := cfg.HealthCheck
	if hc.Interval == 0 {
		hc.Interval = 30 * time.Second
	}
	if hc.Timeout == 0 {
		hc.Timeout = 5 * time.Second
	}

	cbConfig := resilience.DefaultCircuitBreakerConfig("pool-" + cfg.ID)

	exhaustions, err := otel.Meter(meterName).Int64Counter(
		"integration.pool.exhaustions",
		metric.WithDescription("Total acquire attempts rejected for a full pool"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		logger.Warn().Err(err).Str("pool_id", cfg.ID).Msg("creating pool metrics")
	}

	return &ConnectionPool{
		id:             cfg.ID,
		poolType:       cfg.Type,
		maxConnections: maxConns,
		status:         PoolStatusHealthy,
		healthCheck:    hc,
		connector:      connector,
		breaker:        resilience.NewCircuitBreaker[struct{}](cbConfig),
		exhaustions:    exhaustions,
		logger:         logger.With().Str("pool_id", cfg.ID).Logger(),
	}
}

// ID returns the pool identifier.
func (p *ConnectionPool) ID() string { return p.id }

// Type returns the pool type.
func (p *ConnectionPool) Type() PoolType { return p.poolType }

// Status returns the pool's current health status.
func (p *ConnectionPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stats returns a point-in-time snapshot of pool utilization.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, c := range p.connections {
		if c.Status == ConnectionIdle {
			idle++
		}
	}

	return PoolStats{
		PoolID:            p.id,
		Type:              p.poolType,
		Status:            p.status,
		MaxConnections:    p.maxConnections,
		ActiveConnections: p.active,
		IdleConnections:   idle,
		TotalConnections:  len(p.connections),
		LastCheckedAt:     p.lastCheckedAt,
	}
}

// PoolStats is a snapshot of pool utilization for health reporting.
type PoolStats struct {
	PoolID            string     `json:"pool_id"`
	Type              PoolType   `json:"type"`
	Status            PoolStatus `json:"status"`
	MaxConnections    int        `json:"max_connections"`
	ActiveConnections int        `json:"active_connections"`
	IdleConnections   int        `json:"idle_connections"`
	TotalConnections  int        `json:"total_connections"`
	LastCheckedAt     time.Time  `json:"last_checked_at"`
}

// acquire reuses an idle connection matching the endpoint, or dials a new one
// if the pool is under its limit. Never blocks: exhaustion is an error.
func (p *ConnectionPool) acquire(ctx context.Context, endpoint string) (*Connection, error) {
	p.mu.Lock()

	for _, c := range p.connections {
		if c.Status == ConnectionIdle && c.Endpoint == endpoint {
			c.Status = ConnectionActive
			c.LastUsedAt = time.Now()
			c.UseCount++
			p.active++
			p.mu.Unlock()
			return c, nil
		}
	}

	if p.active >= p.maxConnections {
		p.mu.Unlock()
		if p.exhaustions != nil {
			p.exhaustions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("pool_id", p.id),
			))
		}
		return nil, &PoolExhaustedError{PoolID: p.id, MaxConnections: p.maxConnections}
	}

	// Reserve a slot before dialing so concurrent acquires cannot overshoot
	// the limit while the dial is in flight.
	p.active++
	p.mu.Unlock()

	transport, err := p.connector.Dial(ctx, endpoint)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, fmt.Errorf("dialing %s for pool %s: %w", endpoint, p.id, err)
	}

	now := time.Now()
	conn := &Connection{
		ID:         uuid.NewString(),
		PoolID:     p.id,
		Endpoint:   endpoint,
		Status:     ConnectionActive,
		CreatedAt:  now,
		LastUsedAt: now,
		UseCount:   1,
		Transport:  transport,
	}

	p.mu.Lock()
	p.connections = append(p.connections, conn)
	p.mu.Unlock()

	return conn, nil
}

// release recycles a connection back to idle, or closes it if broken.
func (p *ConnectionPool) release(ctx context.Context, connID string, broken bool) error {
	p.mu.Lock()

	for i, c := range p.connections {
		if c.ID != connID {
			continue
		}
		if c.Status == ConnectionActive {
			p.active--
		}
		if broken {
			c.Status = ConnectionError
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			p.mu.Unlock()
			if c.Transport != nil {
				return c.Transport.Close(ctx)
			}
			return nil
		}
		c.Status = ConnectionIdle
		c.LastUsedAt = time.Now()
		p.mu.Unlock()
		return nil
	}

	p.mu.Unlock()
	return fmt.Errorf("%w: %s in pool %s", ErrConnectionNotFound, connID, p.id)
}

// check runs one health probe cycle. Probe failures are logged and downgrade
// the pool status; they are never surfaced to callers.
func (p *ConnectionPool) check(ctx context.Context) {
	p.mu.Lock()
	hc := p.healthCheck
	p.mu.Unlock()

	if !hc.Enabled {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	var err error
	if hc.Probe == nil {
		err = errors.New("health check enabled without probe")
	} else {
		_, err = p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, hc.Probe(probeCtx)
		})
	}

	p.mu.Lock()
	p.lastCheckedAt = time.Now()
	switch {
	case err == nil:
		p.status = PoolStatusHealthy
	case p.breaker.State() == gobreaker.StateHalfOpen:
		p.status = PoolStatusDegraded
	default:
		p.status = PoolStatusUnhealthy
	}
	status := p.status
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("status", string(status)).
			Msg("pool health check failed")
	}
}

// closeAll closes every connection and empties the pool.
func (p *ConnectionPool) closeAll(ctx context.Context) {
	p.mu.Lock()
	conns := p.connections
	p.connections = nil
	p.active = 0
	p.mu.Unlock()

	for _, c := range conns {
		c.Status = ConnectionClosed
		if c.Transport != nil {
			if err := c.Transport.Close(ctx); err != nil {
				p.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("error closing connection")
			}
		}
	}
}
