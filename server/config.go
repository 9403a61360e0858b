package server

import (
	"time"

	"go.uber.org/zap"

	"magiceye/registry"
)

// Config holds the bridge server's listening and reliability settings.
type Config struct {
	Addr string // Listen address, e.g. "127.0.0.1:9559".
	Path string // Websocket upgrade path.

	PingInterval   time.Duration // How often the peer is probed.
	PingGrace      time.Duration // Silence longer than this closes the connection.
	RequestTimeout time.Duration // Default deadline for Send.
	WriteTimeout   time.Duration
	MaxFrameSize   int64 // Largest inbound frame; agents chunk anything bigger than chunk.DefaultSize.

	// Discovery. Empty ServiceName disables advertisement.
	ServiceName   string
	AdvertiseAddr string
	RegistryTTL   int64

	// AllowedOrigins restricts browser origins allowed to connect. Empty allows any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:9559",
		Path:           "/",
		PingInterval:   20 * time.Second,
		PingGrace:      40 * time.Second,
		RequestTimeout: 60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   4 << 20,
		ServiceName:    "magiceye-bridge",
		RegistryTTL:    10,
	}
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry advertises the server in reg while it is serving.
func WithRegistry(reg registry.Registry) Option {
	return func(s *Server) { s.registry = reg }
}
