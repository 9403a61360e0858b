// Package config loads the magiceye configuration file. TOML and YAML are
// both accepted; keys left out keep their defaults.
//
//	[server]
//	addr = "127.0.0.1:9559"
//	ping_interval = "20s"
//	ping_grace = "40s"
//
//	[client]
//	endpoints = ["127.0.0.1:9559"]
//	initial_backoff = "500ms"
//	max_backoff = "10s"
//
//	[registry]
//	kind = "etcd"
//	endpoints = ["127.0.0.1:2379"]
package config

import (
	"fmt"
	"time"

	"magiceye/capture"
	"magiceye/client"
	"magiceye/logging"
	"magiceye/server"
)

// Registry kinds.
const (
	RegistryStatic = "static"
	RegistryEtcd   = "etcd"
)

type Config struct {
	Server   server.Config
	Client   client.Config
	Handler  HandlerConfig
	Browser  capture.BrowserConfig
	Registry RegistryConfig
	Log      logging.Config
}

// HandlerConfig shapes the capture agent's middleware chain.
type HandlerConfig struct {
	Timeout   time.Duration // Per-request bound; zero disables.
	RateLimit float64       // Requests per second; zero disables.
	RateBurst int
	Retries   int // Extra attempts for transient capture failures.
}

type RegistryConfig struct {
	Kind        string // static or etcd.
	Endpoints   []string
	DialTimeout time.Duration
}

func Default() Config {
	return Config{
		Server: server.DefaultConfig(),
		Client: client.DefaultConfig(),
		Handler: HandlerConfig{
			Timeout:   55 * time.Second,
			RateLimit: 20,
			RateBurst: 5,
			Retries:   1,
		},
		Browser: capture.DefaultBrowserConfig(),
		Registry: RegistryConfig{
			Kind:        RegistryStatic,
			DialTimeout: 5 * time.Second,
		},
		Log: logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// Validate rejects settings the bridge cannot run with.
func (c Config) Validate() error {
	if c.Server.PingInterval <= 0 {
		return fmt.Errorf("server.ping_interval must be positive")
	}
	if c.Server.PingGrace <= c.Server.PingInterval {
		return fmt.Errorf("server.ping_grace (%s) must exceed server.ping_interval (%s)", c.Server.PingGrace, c.Server.PingInterval)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return fmt.Errorf("client backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Client.ChunkSize <= 0 || int64(c.Client.ChunkSize) >= c.Server.MaxFrameSize {
		return fmt.Errorf("client.chunk_size must be positive and below server.max_frame_size")
	}
	switch c.Registry.Kind {
	case RegistryStatic:
	case RegistryEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry.endpoints required for etcd")
		}
	default:
		return fmt.Errorf("unknown registry kind %q", c.Registry.Kind)
	}
	return nil
}
