package client

import (
	"time"

	"go.uber.org/zap"

	"magiceye/chunk"
	"magiceye/loadbalance"
	"magiceye/middleware"
	"magiceye/registry"
)

// Config holds the capture agent's dialing and reliability settings.
type Config struct {
	// Endpoints seed the default static registry. Each is host:port or a
	// full ws:// URL.
	Endpoints   []string
	Path        string
	ServiceName string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration // Application-level ping keeping the link warm.

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ChunkSize        int   // Response data above this is sent chunked.
	MaxFrameSize     int64 // Largest inbound frame.
}

func DefaultConfig() Config {
	return Config{
		Endpoints:        []string{"127.0.0.1:9559"},
		Path:             "/",
		ServiceName:      "magiceye-bridge",
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		PingInterval:     25 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ChunkSize:        chunk.DefaultSize,
		MaxFrameSize:     1 << 20,
	}
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry resolves the bridge through reg instead of Config.Endpoints.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.registry = reg }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithMiddleware wraps the request handler; the first listed runs outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}
