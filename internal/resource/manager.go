package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthState is the aggregate state reported by a service.
type HealthState string

// Health states.
const (
	HealthUp       HealthState = "UP"
	HealthDegraded HealthState = "DEGRADED"
)

// HealthStatus is the lifecycle health report exposed to the ops layer.
type HealthStatus struct {
	Status  HealthState            `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// ManagerConfig holds configuration for the resource manager.
type ManagerConfig struct {
	// SigningKey is the service-wide envelope signing key.
	SigningKey []byte

	// EncryptionKeys maps key ids to 32-byte AES-256 keys. The "default"
	// key id is used when callers do not name one.
	EncryptionKeys map[string][]byte

	// HealthCheckInterval is the background probe cadence. Default: 30s.
	HealthCheckInterval time.Duration

	// DefaultCacheTTL applies to caches created without an explicit TTL.
	DefaultCacheTTL time.Duration

	// Logger for manager operations.
	Logger zerolog.Logger
}

// Manager owns the connection pools, rate limiter, caches, encryptor, and
// enveloper for the integration layer. All access is concurrency safe.
type Manager struct {
	mu     sync.Mutex
	pools  map[string]*ConnectionPool
	caches map[string]*Cache

	limiter   *RateLimiter
	encryptor *Encryptor
	enveloper *Enveloper
	logger    zerolog.Logger

	checkInterval   time.Duration
	defaultCacheTTL time.Duration

	stopHealth chan struct{}
	healthDone chan struct{}
	shutdown   bool
}

// NewManager creates a resource manager and starts its background health
// checker. Call Shutdown to stop it.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	encryptor := NewEncryptor()
	for keyID, key := range cfg.EncryptionKeys {
		if err := encryptor.RegisterKey(keyID, key); err != nil {
			return nil, fmt.Errorf("registering encryption key: %w", err)
		}
	}

	interval := cfg.HealthCheckInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	m := &Manager{
		pools:           make(map[string]*ConnectionPool),
		caches:          make(map[string]*Cache),
		limiter:         NewRateLimiter(),
		encryptor:       encryptor,
		enveloper:       NewEnveloper(cfg.SigningKey),
		logger:          cfg.Logger,
		checkInterval:   interval,
		defaultCacheTTL: cfg.DefaultCacheTTL,
		stopHealth:      make(chan struct{}),
		healthDone:      make(chan struct{}),
	}

	go m.healthLoop()

	return m, nil
}

// RegisterPool creates a connection pool under the config's id. Registering
// an id twice replaces the previous pool after closing its connections.
func (m *Manager) RegisterPool(cfg PoolConfig) *ConnectionPool {
	pool := newConnectionPool(cfg, m.logger)

	m.mu.Lock()
	old := m.pools[cfg.ID]
	m.pools[cfg.ID] = pool
	m.mu.Unlock()

	if old != nil {
		old.closeAll(context.Background())
	}

	m.logger.Info().
		Str("pool_id", cfg.ID).
		Str("type", string(cfg.Type)).
		Int("max_connections", pool.maxConnections).
		Msg("connection pool registered")

	return pool
}

// AcquireConnection hands out a connection from the named pool for the
// endpoint. Fails immediately with ErrPoolNotFound or PoolExhaustedError;
// there is no wait queue.
func (m *Manager) AcquireConnection(ctx context.Context, poolID, endpoint string) (*Connection, error) {
	m.mu.Lock()
	pool, ok := m.pools[poolID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}

	return pool.acquire(ctx, endpoint)
}

// ReleaseConnection recycles a connection to idle, or discards it when the
// caller reports it broken.
func (m *Manager) ReleaseConnection(ctx context.Context, conn *Connection, broken bool) error {
	m.mu.Lock()
	pool, ok := m.pools[conn.PoolID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, conn.PoolID)
	}

	return pool.release(ctx, conn.ID, broken)
}

// CheckRateLimit performs one sliding-window admission check.
func (m *Manager) CheckRateLimit(key string, cfg RateLimitConfig, reqCtx map[string]interface{}) RateLimitResult {
	return m.limiter.Check(key, cfg, reqCtx)
}

// CacheSet stores a value in the named cache, creating the cache on first
// use. A zero ttl falls back to the cache default.
func (m *Manager) CacheSet(cacheID, key string, value interface{}, ttl time.Duration) {
	m.cache(cacheID).Set(key, value, ttl)
}

// CacheGet reads a value from the named cache. Expired or absent entries
// return (nil, false).
func (m *Manager) CacheGet(cacheID, key string) (interface{}, bool) {
	return m.cache(cacheID).Get(key)
}

func (m *Manager) cache(cacheID string) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheID]
	if !ok {
		c = NewCache(m.defaultCacheTTL)
		m.caches[cacheID] = c
	}
	return c
}

// EncryptData seals data under the named key id ("default" if empty).
func (m *Manager) EncryptData(data []byte, keyID string) (*EncryptedPayload, error) {
	return m.encryptor.Encrypt(data, keyID)
}

// DecryptData unseals a payload. Fails closed on tampering or unknown keys.
func (m *Manager) DecryptData(payload *EncryptedPayload) ([]byte, error) {
	return m.encryptor.Decrypt(payload)
}

// CreateMessageEnvelope builds (and optionally signs) an envelope.
func (m *Manager) CreateMessageEnvelope(msgType string, payload interface{}, opts EnvelopeOptions) (*MessageEnvelope, error) {
	return m.enveloper.Create(msgType, payload, opts)
}

// ValidateMessageEnvelope validates a received envelope.
func (m *Manager) ValidateMessageEnvelope(env *MessageEnvelope) EnvelopeValidation {
	return m.enveloper.Validate(env)
}

// GetHealthStatus reports aggregate health: DEGRADED if any pool is not
// healthy, UP otherwise.
func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	cacheCount := len(m.caches)
	m.mu.Unlock()

	state := HealthUp
	poolStats := make(map[string]PoolStats, len(pools))
	for _, p := range pools {
		stats := p.Stats()
		poolStats[stats.PoolID] = stats
		if stats.Status != PoolStatusHealthy {
			state = HealthDegraded
		}
	}

	return HealthStatus{
		Status: state,
		Details: map[string]interface{}{
			"pools":  poolStats,
			"caches": cacheCount,
		},
	}
}

// Shutdown closes all connections and clears pools, limiter state, caches,
// and encryption keys. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	pools := m.pools
	m.pools = make(map[string]*ConnectionPool)
	m.caches = make(map[string]*Cache)
	m.mu.Unlock()

	close(m.stopHealth)
	<-m.healthDone

	for _, p := range pools {
		p.closeAll(ctx)
	}
	m.limiter.Clear()
	m.encryptor.Clear()

	m.logger.Info().Msg("resource manager shut down")
}

// healthLoop probes every pool with health checks enabled on a fixed
// interval until shutdown.
func (m *Manager) healthLoop() {
	defer close(m.healthDone)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopHealth:
			return
		case <-ticker.C:
			m.mu.Lock()
			pools := make([]*ConnectionPool, 0, len(m.pools))
			for _, p := range m.pools {
				pools = append(pools, p)
			}
			m.mu.Unlock()

			for _, p := range pools {
				p.check(context.Background())
			}
		}
	}
}
