package resource

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5"
)

// Transport is the protocol-specific handle held by a pooled connection.
type Transport interface {
	Close(ctx context.Context) error
}

// Connector dials new transports for a pool when no idle connection matches
// the requested endpoint. Implementations must be safe for concurrent use.
type Connector interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, endpoint string) (Transport, error)

// Dial calls f.
func (f ConnectorFunc) Dial(ctx context.Context, endpoint string) (Transport, error) {
	return f(ctx, endpoint)
}

// DefaultConnector returns the built-in connector for a pool type.
func DefaultConnector(poolType PoolType) Connector {
	switch poolType {
	case PoolTypeTCP, PoolTypeHL7MLLP:
		return &TCPConnector{}
	case PoolTypeDatabase:
		return &DatabaseConnector{}
	case PoolTypeMessageQueue:
		return &QueueConnector{}
	default:
		return &HTTPConnector{}
	}
}

// HTTPTransport wraps an HTTP client bound to a base URL. Used for plain
// HTTP and FHIR REST endpoints.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// Close releases idle keep-alive connections.
func (t *HTTPTransport) Close(_ context.Context) error {
	t.Client.CloseIdleConnections()
	return nil
}

// HTTPConnector dials HTTP transports.
type HTTPConnector struct {
	// Timeout applies per request. Default: 30 seconds.
	Timeout time.Duration
}

// Dial returns an HTTPTransport for the endpoint.
func (c *HTTPConnector) Dial(_ context.Context, endpoint string) (Transport, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		BaseURL: endpoint,
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

// TCPTransport wraps a raw TCP connection. HL7 MLLP flows frame messages
// over it directly.
type TCPTransport struct {
	Conn net.Conn
}

// Close closes the TCP connection.
func (t *TCPTransport) Close(_ context.Context) error {
	return t.Conn.Close()
}

// TCPConnector dials raw TCP transports (plain TCP and HL7 MLLP pools).
type TCPConnector struct {
	// DialTimeout bounds connection establishment. Default: 10 seconds.
	DialTimeout time.Duration
}

// Dial connects to "host:port".
func (c *TCPConnector) Dial(ctx context.Context, endpoint string) (Transport, error) {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", endpoint, err)
	}
	return &TCPTransport{Conn: conn}, nil
}

// DatabaseTransport wraps a single PostgreSQL connection.
type DatabaseTransport struct {
	Conn *pgx.Conn
}

// Close closes the database connection.
func (t *DatabaseTransport) Close(ctx context.Context) error {
	return t.Conn.Close(ctx)
}

// DatabaseConnector dials PostgreSQL transports. The endpoint is a standard
// postgres:// connection string.
type DatabaseConnector struct{}

// Dial opens a database connection.
func (c *DatabaseConnector) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, err := pgx.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("database dial: %w", err)
	}
	return &DatabaseTransport{Conn: conn}, nil
}

// QueueTransport wraps a Pub/Sub client for message-queue pools.
type QueueTransport struct {
	Client *pubsub.Client
}

// Close closes the Pub/Sub client.
func (t *QueueTransport) Close(_ context.Context) error {
	return t.Client.Close()
}

// QueueConnector dials Pub/Sub transports. The endpoint is the GCP project ID.
type QueueConnector struct{}

// Dial creates a Pub/Sub client for the project.
func (c *QueueConnector) Dial(ctx context.Context, endpoint string) (Transport, error) {
	client, err := pubsub.NewClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("pubsub dial %s: %w", endpoint, err)
	}
	return &QueueTransport{Client: client}, nil
}
