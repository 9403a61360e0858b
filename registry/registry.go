// Package registry lets the capture agent find the bridge server.
//
// The bridge normally listens on a fixed local port and Static is enough.
// When the agent process runs elsewhere, or the port is chosen at startup,
// the server advertises itself in etcd and the agent discovers it there.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// ServiceInstance is one reachable bridge server.
type ServiceInstance struct {
	Addr    string `json:"addr"`           // host:port or a full ws:// URL
	Path    string `json:"path,omitempty"` // websocket path, "/" when empty
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Static is an in-memory Registry seeded from configuration.
type Static struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
}

// NewStatic returns a registry where serviceName resolves to addrs.
func NewStatic(serviceName string, addrs ...string) *Static {
	s := &Static{instances: make(map[string][]ServiceInstance)}
	for _, addr := range addrs {
		s.instances[serviceName] = append(s.instances[serviceName], ServiceInstance{Addr: addr})
	}
	return s
}

// Register ignores ttl; static entries never expire.
func (s *Static) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.instances[serviceName]
	for i, existing := range list {
		if existing.Addr == instance.Addr {
			list[i] = instance
			return nil
		}
	}
	s.instances[serviceName] = append(list, instance)
	return nil
}

func (s *Static) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.instances[serviceName]
	for i, existing := range list {
		if existing.Addr == addr {
			s.instances[serviceName] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Static) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.instances[serviceName]
	if len(list) == 0 {
		return nil, fmt.Errorf("no instances registered for %s", serviceName)
	}
	return append([]ServiceInstance(nil), list...), nil
}

// Watch emits the current list once; static registries do not change on
// their own.
func (s *Static) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	instances, _ := s.Discover(ctx, serviceName)
	ch <- instances
	close(ch)
	return ch
}
