package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Server   serverSection   `toml:"server" yaml:"server"`
	Client   clientSection   `toml:"client" yaml:"client"`
	Browser  browserSection  `toml:"browser" yaml:"browser"`
	Registry registrySection `toml:"registry" yaml:"registry"`
	Log      logSection      `toml:"log" yaml:"log"`
}

type serverSection struct {
	Addr           string   `toml:"addr" yaml:"addr"`
	Path           string   `toml:"path" yaml:"path"`
	PingInterval   string   `toml:"ping_interval" yaml:"ping_interval"`
	PingGrace      string   `toml:"ping_grace" yaml:"ping_grace"`
	RequestTimeout string   `toml:"request_timeout" yaml:"request_timeout"`
	WriteTimeout   string   `toml:"write_timeout" yaml:"write_timeout"`
	MaxFrameSize   int64    `toml:"max_frame_size" yaml:"max_frame_size"`
	ServiceName    string   `toml:"service_name" yaml:"service_name"`
	AdvertiseAddr  string   `toml:"advertise_addr" yaml:"advertise_addr"`
	RegistryTTL    int64    `toml:"registry_ttl" yaml:"registry_ttl"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

type clientSection struct {
	Endpoints        []string `toml:"endpoints" yaml:"endpoints"`
	Path             string   `toml:"path" yaml:"path"`
	ServiceName      string   `toml:"service_name" yaml:"service_name"`
	InitialBackoff   string   `toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       string   `toml:"max_backoff" yaml:"max_backoff"`
	PingInterval     string   `toml:"ping_interval" yaml:"ping_interval"`
	HandshakeTimeout string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     string   `toml:"write_timeout" yaml:"write_timeout"`
	ChunkSize        int      `toml:"chunk_size" yaml:"chunk_size"`
	MaxFrameSize     int64    `toml:"max_frame_size" yaml:"max_frame_size"`
	HandlerTimeout   string   `toml:"handler_timeout" yaml:"handler_timeout"`
	RateLimit        float64  `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst        int      `toml:"rate_burst" yaml:"rate_burst"`
	Retries          int      `toml:"retries" yaml:"retries"`
}

type browserSection struct {
	Headless bool   `toml:"headless" yaml:"headless"`
	Width    int    `toml:"width" yaml:"width"`
	Height   int    `toml:"height" yaml:"height"`
	URL      string `toml:"url" yaml:"url"`
	Timeout  string `toml:"timeout" yaml:"timeout"`
	Install  bool   `toml:"install" yaml:"install"`
}

type registrySection struct {
	Kind        string   `toml:"kind" yaml:"kind"`
	Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
	DialTimeout string   `toml:"dial_timeout" yaml:"dial_timeout"`
}

type logSection struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
	Encoding    string `toml:"encoding" yaml:"encoding"`
}

// Load reads path over the defaults. The format follows the extension:
// .yaml and .yml are YAML, anything else TOML.
func Load(path string) (Config, error) {
	var (
		raw     fileConfig
		defined func(keys ...string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		body, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(body, &raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		var keys map[string]map[string]any
		if err := yaml.Unmarshal(body, &keys); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defined = func(k ...string) bool {
			_, ok := keys[k[0]][k[1]]
			return ok
		}
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
		}
		defined = meta.IsDefined
	}

	cfg := Default()
	if err := raw.apply(&cfg, defined); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (f *fileConfig) apply(cfg *Config, defined func(keys ...string) bool) error {
	var err error
	duration := func(section, key, raw string, dst *time.Duration) {
		if err != nil || !defined(section, key) {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(raw))
		if perr != nil {
			err = fmt.Errorf("parse %s.%s: %w", section, key, perr)
			return
		}
		*dst = d
	}
	str := func(section, key, raw string, dst *string) {
		if defined(section, key) {
			*dst = strings.TrimSpace(raw)
		}
	}

	s, srv := f.Server, &cfg.Server
	str("server", "addr", s.Addr, &srv.Addr)
	str("server", "path", s.Path, &srv.Path)
	duration("server", "ping_interval", s.PingInterval, &srv.PingInterval)
	duration("server", "ping_grace", s.PingGrace, &srv.PingGrace)
	duration("server", "request_timeout", s.RequestTimeout, &srv.RequestTimeout)
	duration("server", "write_timeout", s.WriteTimeout, &srv.WriteTimeout)
	if defined("server", "max_frame_size") {
		srv.MaxFrameSize = s.MaxFrameSize
	}
	str("server", "service_name", s.ServiceName, &srv.ServiceName)
	str("server", "advertise_addr", s.AdvertiseAddr, &srv.AdvertiseAddr)
	if defined("server", "registry_ttl") {
		srv.RegistryTTL = s.RegistryTTL
	}
	if defined("server", "allowed_origins") {
		srv.AllowedOrigins = normalize(s.AllowedOrigins)
	}

	c, cl, h := f.Client, &cfg.Client, &cfg.Handler
	if defined("client", "endpoints") {
		cl.Endpoints = normalize(c.Endpoints)
	}
	str("client", "path", c.Path, &cl.Path)
	str("client", "service_name", c.ServiceName, &cl.ServiceName)
	duration("client", "initial_backoff", c.InitialBackoff, &cl.InitialBackoff)
	duration("client", "max_backoff", c.MaxBackoff, &cl.MaxBackoff)
	duration("client", "ping_interval", c.PingInterval, &cl.PingInterval)
	duration("client", "handshake_timeout", c.HandshakeTimeout, &cl.HandshakeTimeout)
	duration("client", "write_timeout", c.WriteTimeout, &cl.WriteTimeout)
	if defined("client", "chunk_size") {
		cl.ChunkSize = c.ChunkSize
	}
	if defined("client", "max_frame_size") {
		cl.MaxFrameSize = c.MaxFrameSize
	}
	duration("client", "handler_timeout", c.HandlerTimeout, &h.Timeout)
	if defined("client", "rate_limit") {
		h.RateLimit = c.RateLimit
	}
	if defined("client", "rate_burst") {
		h.RateBurst = c.RateBurst
	}
	if defined("client", "retries") {
		h.Retries = c.Retries
	}

	b, br := f.Browser, &cfg.Browser
	if defined("browser", "headless") {
		br.Headless = b.Headless
	}
	if defined("browser", "width") {
		br.Width = b.Width
	}
	if defined("browser", "height") {
		br.Height = b.Height
	}
	str("browser", "url", b.URL, &br.StartURL)
	duration("browser", "timeout", b.Timeout, &br.Timeout)
	if defined("browser", "install") {
		br.Install = b.Install
	}

	r, reg := f.Registry, &cfg.Registry
	str("registry", "kind", r.Kind, &reg.Kind)
	if defined("registry", "endpoints") {
		reg.Endpoints = normalize(r.Endpoints)
	}
	duration("registry", "dial_timeout", r.DialTimeout, &reg.DialTimeout)

	l, lg := f.Log, &cfg.Log
	str("log", "level", l.Level, &lg.Level)
	if defined("log", "development") {
		lg.Development = l.Development
	}
	str("log", "encoding", l.Encoding, &lg.Encoding)

	return err
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
